package report

import (
	"time"

	"github.com/core-tools/hsu-logtrack/pkg/format"
)

// Kind tells what triggered a report
type Kind string

const (
	KindIssue Kind = "issue"
	KindCrash Kind = "crash"
)

// CrashMessage is the report message of crash reports without a description
const CrashMessage = "Crash report"

// Request asks for one report
type Request struct {
	Kind    Kind
	Message string

	// StackLines is the crashed goroutine's stack, one frame line per entry
	StackLines []string
}

// IssueRequest builds a user initiated request
func IssueRequest(message string) Request {
	return Request{Kind: KindIssue, Message: message}
}

// CrashRequest builds a crash request carrying the stack dump
func CrashRequest(stackLines []string) Request {
	return Request{Kind: KindCrash, Message: CrashMessage, StackLines: stackLines}
}

// IssueReport is a packaged archive ready for delivery. Whoever holds it
// owns the archive file.
type IssueReport struct {
	ID           string
	Kind         Kind
	ArchiveFile  string
	IssueMessage string
	CreatedAt    time.Time

	// Entries are the file names stored in the archive, the report document first
	Entries []string
}

// Result is delivered once per asynchronous preparation
type Result struct {
	Report *IssueReport
	Err    error
}

// Capture is the part of the capture engine the assembler drives
type Capture interface {
	IsCapturing() bool
	Pause() error
	Resume() error
	Formatter() format.Formatter
	ActiveFilePath() string
	PendingRotatedPath() string
}
