package crash

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

const maxFrames = 64

// Frame is one resolved stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s()\n\t%s:%d", f.Function, f.File, f.Line)
}

// Fault is a recovered panic together with the stack that raised it
type Fault struct {
	Goroutine int64
	Value     interface{}
	Frames    []Frame

	// Cause is the origin of a traced error carried by Value, if any
	Cause *Fault
}

func (f *Fault) Error() string {
	return fmt.Sprintf("panic: %v", f.Value)
}

// StackLines renders the fault the way the runtime prints a panic, one line per entry
func (f *Fault) StackLines() []string {
	lines := []string{fmt.Sprintf("panic: %v", f.Value), fmt.Sprintf("goroutine %d [running]:", f.Goroutine)}
	lines = appendFrames(lines, f.Frames)
	for cause := f.Cause; cause != nil; cause = cause.Cause {
		lines = append(lines, fmt.Sprintf("caused by: %v", cause.Value))
		lines = appendFrames(lines, cause.Frames)
	}
	return lines
}

func appendFrames(lines []string, frames []Frame) []string {
	for _, fr := range frames {
		lines = append(lines, fr.Function+"()", fmt.Sprintf("\t%s:%d", fr.File, fr.Line))
	}
	return lines
}

// CaptureFault builds a Fault for value on the calling goroutine. Called
// while panicking, the frames start at the function that panicked;
// otherwise skip frames above the caller are dropped.
func CaptureFault(value interface{}, skip int) *Fault {
	fault := &Fault{
		Goroutine: goroutineID(),
		Value:     value,
		Frames:    panicFrames(callers(skip + 2)),
	}

	if err, ok := value.(error); ok {
		var traced *TracedError
		if stderrors.As(err, &traced) {
			fault.Cause = &Fault{
				Goroutine: fault.Goroutine,
				Value:     traced.Err,
				Frames:    traced.Frames,
			}
		}
	}
	return fault
}

// panicFrames drops the recovery machinery: everything up to runtime.gopanic
// and the runtime frames right after it
func panicFrames(frames []Frame) []Frame {
	for i, fr := range frames {
		if fr.Function != "runtime.gopanic" {
			continue
		}
		rest := frames[i+1:]
		for len(rest) > 0 && strings.HasPrefix(rest[0].Function, "runtime.") {
			rest = rest[1:]
		}
		return rest
	}
	return frames
}

func callers(skip int) []Frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}
	iter := runtime.CallersFrames(pcs[:n])

	frames := make([]Frame, 0, n)
	for {
		fr, more := iter.Next()
		frames = append(frames, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return frames
}

// goroutineID parses the id from the runtime's stack header "goroutine N [...]"
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(strings.TrimPrefix(string(buf), "goroutine "))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseInt(fields[0], 10, 64)
	return id
}

// TracedError records where an error was created so a later panic with it
// can be traced back to its origin
type TracedError struct {
	Err    error
	Frames []Frame
}

// Trace wraps err with the caller's stack
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return &TracedError{Err: err, Frames: callers(2)}
}

func (e *TracedError) Error() string {
	return e.Err.Error()
}

func (e *TracedError) Unwrap() error {
	return e.Err
}
