package report

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-logtrack/pkg/archive"
	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/filter"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/metadata"
	"github.com/core-tools/hsu-logtrack/pkg/metrics"
	"github.com/core-tools/hsu-logtrack/pkg/record"
)

const (
	DefaultWorkers = 5

	assemblyTimeLayout = "2006.01.02_15.04.05"
	crashTag           = filter.OwnTagPrefix + "Crash"
)

// Archiver packs the report document and attachments into archivePath
type Archiver func(archivePath string, paths ...string) ([]string, error)

// Options configures an Assembler
type Options struct {
	// Dir receives assembly files and archives
	Dir string

	// Capture is the running capture engine; nil means reports always dump the source
	Capture Capture

	// Formatter renders dump-mode reports; capture-mode reports use the capture formatter
	Formatter format.Formatter

	// Source is dumped when capture is not running; nil leaves only crash stack records
	Source logsource.Source
	Filter *filter.Filter

	Metadata    metadata.Provider
	Attachments func() []string

	// OwnPackage names the host in synthesized crash records
	OwnPackage string

	Workers  int
	Archiver Archiver
	Metrics  *metrics.Registry
	Now      func() time.Time
}

// Assembler builds report archives. While at least one preparation is in
// flight the capture engine stays paused, so the assembler is the only
// reader of the capture files and the engine writes nothing.
type Assembler struct {
	opts    Options
	logger  logging.Logger
	workers *semaphore.Weighted

	mutex    sync.Mutex
	inFlight int
	paused   bool
}

func NewAssembler(opts Options, logger logging.Logger) (*Assembler, error) {
	if opts.Dir == "" {
		return nil, errors.NewValidationError("report directory is required", nil)
	}
	if opts.Formatter == nil {
		if opts.Capture != nil {
			opts.Formatter = opts.Capture.Formatter()
		} else {
			opts.Formatter = format.Native{}
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.Pack
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Assembler{
		opts:    opts,
		logger:  logger,
		workers: semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

// InFlight returns the number of preparations holding capture paused
func (a *Assembler) InFlight() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.inFlight
}

// ===== Entry points =====

func (a *Assembler) PrepareIssueReport(ctx context.Context, message string) <-chan Result {
	return a.Prepare(ctx, IssueRequest(message))
}

func (a *Assembler) PrepareCrashReport(ctx context.Context, stackLines []string) <-chan Result {
	return a.Prepare(ctx, CrashRequest(stackLines))
}

// Prepare runs the preparation on the worker pool. ctx bounds the wait for a
// worker; a started preparation runs to completion. The channel receives
// exactly one Result.
func (a *Assembler) Prepare(ctx context.Context, req Request) <-chan Result {
	results := make(chan Result, 1)

	go func() {
		if err := a.workers.Acquire(ctx, 1); err != nil {
			results <- Result{Err: errors.NewCancelledError("report preparation not started", err)}
			return
		}
		defer a.workers.Release(1)

		report, err := a.PrepareSync(context.Background(), req)
		results <- Result{Report: report, Err: err}
	}()

	return results
}

// PrepareSync prepares the report on the calling goroutine
func (a *Assembler) PrepareSync(ctx context.Context, req Request) (*IssueReport, error) {
	if req.Kind == "" {
		req.Kind = KindIssue
	}
	if req.Kind == KindCrash && req.Message == "" {
		req.Message = CrashMessage
	}

	id := uuid.New().String()
	a.logger.Infof("Preparing report, id: %s, kind: %s", id, req.Kind)

	report, err := a.prepare(ctx, id, req)
	a.opts.Metrics.ReportPrepared(string(req.Kind), err)
	if err != nil {
		a.logger.Errorf("Report preparation failed, id: %s, error: %v", id, err)
		return nil, err
	}

	a.logger.Infof("Report prepared, id: %s, archive: %s, entries: %d", id, report.ArchiveFile, len(report.Entries))
	return report, nil
}

func (a *Assembler) prepare(ctx context.Context, id string, req Request) (*IssueReport, error) {
	if err := os.MkdirAll(a.opts.Dir, 0755); err != nil {
		return nil, errors.NewIOError("failed to create report directory", err).WithContext("dir", a.opts.Dir)
	}

	if a.acquire() {
		defer a.release()
		return a.assembleFromCapture(ctx, id, req)
	}
	return a.assembleFromDump(ctx, id, req)
}

// ===== Capture pause protocol =====

// acquire registers a preparation against a capturing engine. The first one
// pauses capture. It returns false when capture is not running.
func (a *Assembler) acquire() bool {
	if a.opts.Capture == nil {
		return false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.inFlight == 0 {
		if !a.opts.Capture.IsCapturing() {
			return false
		}
		if err := a.opts.Capture.Pause(); err != nil {
			a.logger.Warnf("Could not pause capture, falling back to dump, error: %v", err)
			return false
		}
		a.paused = true
	}
	a.inFlight++
	a.opts.Metrics.PreparationsInFlight(a.inFlight)
	return true
}

// release undoes acquire; the last preparation out resumes capture
func (a *Assembler) release() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.inFlight--
	a.opts.Metrics.PreparationsInFlight(a.inFlight)
	if a.inFlight > 0 || !a.paused {
		return
	}
	a.paused = false
	if err := a.opts.Capture.Resume(); err != nil {
		a.logger.Errorf("Failed to resume capture after report preparation, error: %v", err)
	}
}

// ===== Assembly =====

func (a *Assembler) assembleFromCapture(ctx context.Context, id string, req Request) (*IssueReport, error) {
	f := a.opts.Capture.Formatter()
	sources := make([]string, 0, 2)
	if pending := a.opts.Capture.PendingRotatedPath(); pending != "" {
		sources = append(sources, pending)
	}
	sources = append(sources, a.opts.Capture.ActiveFilePath())

	return a.assemble(ctx, id, req, f, func(w *bufio.Writer) error {
		for _, path := range sources {
			n, err := copyLoggingSection(w, path, f)
			if err != nil {
				if os.IsNotExist(errorsCause(err)) && path != a.opts.Capture.ActiveFilePath() {
					continue
				}
				return err
			}
			a.logger.Debugf("Merged log file, path: %s, lines: %d", path, n)
		}
		return nil
	})
}

func (a *Assembler) assembleFromDump(ctx context.Context, id string, req Request) (*IssueReport, error) {
	f := a.opts.Formatter
	records, err := a.dumpRecords(ctx)
	if err != nil {
		return nil, err
	}
	records = append(records, a.stackRecords(req.StackLines)...)

	return a.assemble(ctx, id, req, f, func(w *bufio.Writer) error {
		for _, r := range records {
			if _, err := w.WriteString(f.FormatRecord(r) + format.LineSeparator); err != nil {
				return errors.NewIOError("failed to write dumped records", err)
			}
		}
		return nil
	})
}

// assemble writes the report document, archives it with the attachments and
// removes the standalone document
func (a *Assembler) assemble(ctx context.Context, id string, req Request, f format.Formatter, body func(*bufio.Writer) error) (*IssueReport, error) {
	now := a.opts.Now()
	docPath := filepath.Join(a.opts.Dir, fmt.Sprintf("report_%s_%s%s", now.Format(assemblyTimeLayout), shortID(id), f.FileExtension()))

	if err := a.writeDocument(ctx, docPath, req, f, body); err != nil {
		os.Remove(docPath)
		return nil, err
	}
	defer func() {
		if err := os.Remove(docPath); err != nil && !os.IsNotExist(err) {
			a.logger.Warnf("Failed to delete assembly file, path: %s, error: %v", docPath, err)
		}
	}()

	paths := []string{docPath}
	if a.opts.Attachments != nil {
		paths = append(paths, a.opts.Attachments()...)
	}

	archivePath := archive.ArchivePathFor(docPath)
	entries, err := a.opts.Archiver(archivePath, paths...)
	if err != nil {
		os.Remove(archivePath)
		return nil, errors.NewIOError("failed to package report", err).WithContext("archive", archivePath)
	}

	return &IssueReport{
		ID:           id,
		Kind:         req.Kind,
		ArchiveFile:  archivePath,
		IssueMessage: req.Message,
		CreatedAt:    now,
		Entries:      entries,
	}, nil
}

func (a *Assembler) writeDocument(ctx context.Context, path string, req Request, f format.Formatter, body func(*bufio.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.NewIOError("failed to create assembly file", err).WithContext("path", path)
	}
	w := bufio.NewWriterSize(out, 64*1024)

	writeErr := func() error {
		var md map[string]string
		if a.opts.Metadata != nil {
			md = a.opts.Metadata(ctx)
		}
		if _, err := w.WriteString(format.JoinLines(format.HeaderLines(f, req.Message, md))); err != nil {
			return errors.NewIOError("failed to write report header", err).WithContext("path", path)
		}
		if err := body(w); err != nil {
			return err
		}
		if _, err := w.WriteString(format.JoinLines(format.ClosingLines(f))); err != nil {
			return errors.NewIOError("failed to write report closing", err).WithContext("path", path)
		}
		if err := w.Flush(); err != nil {
			return errors.NewIOError("failed to flush assembly file", err).WithContext("path", path)
		}
		return nil
	}()

	if err := out.Close(); err != nil && writeErr == nil {
		writeErr = errors.NewIOError("failed to close assembly file", err).WithContext("path", path)
	}
	return writeErr
}

// ===== Dump mode =====

func (a *Assembler) dumpRecords(ctx context.Context) ([]*record.Record, error) {
	if a.opts.Source == nil {
		return nil, nil
	}

	opts := logsource.Options{MinLevel: record.LevelVerbose}
	if a.opts.Filter != nil {
		pd := a.opts.Filter.PushDown()
		opts = logsource.Options{Tags: pd.Tags, MinLevel: pd.MinLevel}
	}

	lines, err := a.opts.Source.Dump(ctx, opts)
	if err != nil {
		return nil, errors.NewIOError("failed to dump log source", err)
	}

	records := make([]*record.Record, 0, len(lines))
	dropped := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := record.Parse(line)
		if err != nil {
			dropped++
			continue
		}
		if a.opts.Filter != nil {
			a.opts.Filter.Resolve(r)
			if !a.opts.Filter.Passes(r) {
				continue
			}
		}
		records = append(records, r)
	}
	a.logger.Debugf("Log source dumped, lines: %d, records: %d, unparseable: %d", len(lines), len(records), dropped)
	return records, nil
}

// stackRecords turns crash stack lines into error records of the host process
func (a *Assembler) stackRecords(lines []string) []*record.Record {
	if len(lines) == 0 {
		return nil
	}
	ts := a.opts.Now().Format(record.TimestampLayout)
	pid := os.Getpid()

	records := make([]*record.Record, 0, len(lines))
	for _, line := range lines {
		records = append(records, &record.Record{
			Timestamp: ts,
			PID:       pid,
			Level:     record.LevelError,
			Tag:       crashTag,
			Package:   a.opts.OwnPackage,
			Message:   line,
		})
	}
	return records
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// errorsCause returns the innermost cause of a domain error chain
func errorsCause(err error) error {
	for {
		de, ok := err.(*errors.DomainError)
		if !ok || de.Cause == nil {
			return err
		}
		err = de.Cause
	}
}
