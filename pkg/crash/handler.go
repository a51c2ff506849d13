package crash

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

// HandlerOptions wires a Handler to the host
type HandlerOptions struct {
	Classifier Classifier

	// Loop is the host's primary executor; crash handling runs on it
	Loop *MainLoop

	// Print writes the stack into the capture stream
	Print func(lines []string)

	// OnCrash runs the report path
	OnCrash func(*Fault)

	// Default receives faults that must not be reported. It usually ends the process.
	Default func(*Fault)
}

// Handler intercepts panics and routes them to the report path or to the
// default handler
type Handler struct {
	classifier Classifier
	loop       *MainLoop
	print      func([]string)
	onCrash    func(*Fault)
	fallback   func(*Fault)
	logger     logging.Logger
}

func NewHandler(opts HandlerOptions, logger logging.Logger) *Handler {
	if opts.Classifier.Namespace == "" {
		opts.Classifier = NewClassifier("")
	}
	if opts.Default == nil {
		opts.Default = ExitHandler
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	h := &Handler{
		classifier: opts.Classifier,
		loop:       opts.Loop,
		print:      opts.Print,
		onCrash:    opts.OnCrash,
		fallback:   opts.Default,
		logger:     logger,
	}
	if h.loop != nil {
		h.loop.SetPanicHandler(h.Handle)
	}
	return h
}

// ExitHandler prints the fault to stderr and exits with status 2, as an unrecovered panic would
func ExitHandler(f *Fault) {
	for _, line := range f.StackLines() {
		fmt.Fprintln(os.Stderr, line)
	}
	os.Exit(2)
}

// Handle processes one fault. Faults raised inside this module go straight to
// the default handler. Others are printed into the capture stream and handed
// to the report path on the main loop; a crashed main loop is resumed afterwards.
func (h *Handler) Handle(fault *Fault) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("Crash handling failed, delegating to default handler, panic: %v", r)
			h.fallback(CaptureFault(r, 0))
		}
	}()

	if h.classifier.IsInternal(fault) {
		h.logger.Errorf("Fault raised inside crash reporting, delegating to default handler, panic: %v", fault.Value)
		h.fallback(fault)
		return
	}

	h.logger.Errorf("Crash detected, goroutine: %d, panic: %v", fault.Goroutine, fault.Value)
	if h.print != nil {
		h.print(fault.StackLines())
	}

	onLoop := h.loop != nil && h.loop.IsCurrent()
	if onLoop || h.loop == nil || !h.loop.IsRunning() {
		h.runCrash(fault)
	} else {
		done := make(chan struct{})
		err := h.loop.Post(func() {
			defer close(done)
			h.runCrash(fault)
		})
		if err != nil {
			h.logger.Warnf("Could not post crash handling to main loop, handling inline, error: %v", err)
			h.runCrash(fault)
		} else {
			<-done
		}
	}

	if onLoop {
		h.loop.Resume()
	}
}

func (h *Handler) runCrash(fault *Fault) {
	if h.onCrash != nil {
		h.onCrash(fault)
	}
}

// Recover handles a panic of the calling goroutine. Use as `defer h.Recover()`.
func (h *Handler) Recover() {
	if r := recover(); r != nil {
		h.Handle(CaptureFault(r, 0))
	}
}

// Go runs fn on a new goroutine guarded by the handler
func (h *Handler) Go(fn func()) {
	go func() {
		defer h.Recover()
		fn()
	}()
}
