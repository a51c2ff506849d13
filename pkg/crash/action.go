package crash

import "fmt"

// AfterCrashAction is what the host does once a crash has been handled
type AfterCrashAction string

const (
	CloseApp    AfterCrashAction = "close"
	RelaunchApp AfterCrashAction = "relaunch"
)

func (a AfterCrashAction) Validate() error {
	switch a {
	case CloseApp, RelaunchApp:
		return nil
	default:
		return fmt.Errorf("unknown after-crash action: %q", a)
	}
}

// Lifecycle is the host's control over its own process
type Lifecycle interface {
	Close()
	Relaunch()
}

// Presenter shows a crash to the user and tells whether the report should be sent
type Presenter interface {
	PresentCrash(f *Fault) bool
}

// AutoSend sends every crash report without asking
type AutoSend struct{}

func (AutoSend) PresentCrash(*Fault) bool { return true }
