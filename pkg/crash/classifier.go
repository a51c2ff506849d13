package crash

import (
	"reflect"
	"strings"
)

const (
	// DefaultNamespace is the function prefix of this module's own code
	DefaultNamespace = "github.com/core-tools/hsu-logtrack/"

	DefaultDepth = 5
)

// Classifier tells faults raised by this module apart from faults of the host
type Classifier struct {
	Namespace string
	Depth     int
}

func NewClassifier(namespace string) Classifier {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Classifier{Namespace: namespace, Depth: DefaultDepth}
}

// packagePath is the import path of this package as it appears in frame names
var packagePath = reflect.TypeOf(Frame{}).PkgPath()

// runnerFunctions run host code on behalf of the handler. Frames from the
// first runner on belong to whoever started the host code, not to the code
// that panicked.
var runnerFunctions = []string{
	packagePath + ".(*Handler).Go",
	packagePath + ".(*Handler).Recover",
	packagePath + ".(*MainLoop).runTask",
	packagePath + ".(*MainLoop).Run",
}

func isRunnerFrame(function string) bool {
	for _, runner := range runnerFunctions {
		if function == runner || strings.HasPrefix(function, runner+".func") {
			return true
		}
	}
	return false
}

// originFrames cuts the stack at the first runner frame
func originFrames(frames []Frame) []Frame {
	for i, fr := range frames {
		if isRunnerFrame(fr.Function) {
			return frames[:i]
		}
	}
	return frames
}

// IsInternal reports whether any of the first Depth frames of the fault or of
// its cause belongs to the namespace. Only frames above the handler's own
// runners count. Internal faults are never reported, so a bug in the
// reporting path cannot loop.
func (c Classifier) IsInternal(f *Fault) bool {
	if f == nil {
		return false
	}
	return c.inNamespace(f.Frames) || (f.Cause != nil && c.inNamespace(f.Cause.Frames))
}

func (c Classifier) inNamespace(frames []Frame) bool {
	depth := c.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	frames = originFrames(frames)
	if len(frames) < depth {
		depth = len(frames)
	}
	for _, fr := range frames[:depth] {
		if strings.HasPrefix(fr.Function, c.Namespace) {
			return true
		}
	}
	return false
}
