package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/filter"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/metrics"
	"github.com/core-tools/hsu-logtrack/pkg/record"
	"github.com/core-tools/hsu-logtrack/pkg/rotation"
	"github.com/core-tools/hsu-logtrack/pkg/statestore"
)

const (
	DefaultFileName      = "log"
	DefaultBufferSize    = 100 * 1024
	DefaultMaxBufferSize = 4 * 1024 * 1024
	DefaultFlushInterval = 5 * time.Second
	DefaultReopenDelay   = time.Second

	pendingInfix = "_temp_"
)

// Options configures an Engine
type Options struct {
	// Dir holds the active file and the pending rotated file
	Dir string

	// FileName is the active file name without extension
	FileName string

	Formatter format.Formatter
	Source    logsource.Source
	Filter    *filter.Filter
	Rotation  rotation.Config
	Store     statestore.Store

	// BufferSize is the buffered byte count that triggers a flush
	BufferSize int

	// MaxBufferSize caps the buffer while flushes are suppressed; the oldest
	// lines are evicted beyond it
	MaxBufferSize int

	FlushInterval time.Duration
	ReopenDelay   time.Duration

	// ClearOnStart drops lines buffered by the source before capture starts
	ClearOnStart bool

	Metrics *metrics.Registry
	Now     func() time.Time
}

func (o *Options) setDefaults() {
	if o.FileName == "" {
		o.FileName = DefaultFileName
	}
	if o.Formatter == nil {
		o.Formatter = format.Native{}
	}
	if o.Store == nil {
		o.Store = statestore.NewMemoryStore()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.MaxBufferSize < o.BufferSize {
		o.MaxBufferSize = o.BufferSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.ReopenDelay <= 0 {
		o.ReopenDelay = DefaultReopenDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) validate() error {
	if o.Dir == "" {
		return errors.NewValidationError("capture directory is required", nil)
	}
	if o.Source == nil {
		return errors.NewValidationError("log source is required", nil)
	}
	if err := o.Rotation.Validate(); err != nil {
		return errors.NewValidationError("invalid rotation config", err)
	}
	return nil
}

// Engine captures the live log stream into the active file.
//
// A single goroutine reads the source, parses, filters and buffers records.
// Buffered lines are written to the active file only while capturing; while
// paused the active file belongs to the report assembler and the buffer is
// retained.
type Engine struct {
	opts   Options
	policy rotation.Policy
	logger logging.Logger

	mutex       sync.Mutex
	state       State
	file        *logFile
	buffer      []string
	bufferBytes int
	evicted     int64
	evictWarned bool

	// resumed is closed while not paused
	resumed chan struct{}

	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewEngine(opts Options, logger logging.Logger) (*Engine, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	resumed := make(chan struct{})
	close(resumed)

	return &Engine{
		opts:    opts,
		policy:  rotation.NewPolicy(opts.Rotation),
		logger:  logger,
		state:   StateStopped,
		resumed: resumed,
	}, nil
}

// ===== Accessors =====

func (e *Engine) State() State {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state
}

// IsCapturing reports whether a capture session is running, paused or not
func (e *Engine) IsCapturing() bool {
	switch e.State() {
	case StateCapturing, StatePaused:
		return true
	default:
		return false
	}
}

func (e *Engine) Formatter() format.Formatter {
	return e.opts.Formatter
}

// ActiveFilePath is the path of the file receiving records
func (e *Engine) ActiveFilePath() string {
	return filepath.Join(e.opts.Dir, e.opts.FileName+e.opts.Formatter.FileExtension())
}

// PendingRotatedPath returns the rotated-aside file awaiting merge, or "" when
// there is none.
func (e *Engine) PendingRotatedPath() string {
	path := e.opts.Store.PendingRotated()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Evicted returns how many buffered lines were dropped because the buffer cap was hit
func (e *Engine) Evicted() int64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.evicted
}

// BufferedBytes returns the size of the records not yet written
func (e *Engine) BufferedBytes() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.bufferBytes
}

// ===== Lifecycle =====

// Start opens the active file and launches the read loop. ctx bounds the
// startup only; the capture session runs until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !canStartFromState(e.state) {
		return errors.NewConflictError(
			fmt.Sprintf("cannot start capture in state '%s': operation not allowed", e.state),
			nil).WithContext("current_state", string(e.state))
	}
	e.state = StateStarting

	if err := os.MkdirAll(e.opts.Dir, 0755); err != nil {
		e.state = StateStopped
		return errors.NewIOError("failed to create capture directory", err).WithContext("dir", e.opts.Dir)
	}

	if err := e.openActiveFileLocked(); err != nil {
		e.state = StateStopped
		return err
	}
	e.cleanupOrphansLocked()

	if e.opts.ClearOnStart {
		if err := e.opts.Source.Clear(ctx); err != nil {
			e.logger.Warnf("Failed to clear log source, error: %v", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.state = StateCapturing

	go e.readLoop(loopCtx, e.loopDone)
	go e.flushLoop(loopCtx)

	e.logger.Infof("Capture started, file: %s, rotation: %s", e.file.path, e.opts.Rotation.Type)
	return nil
}

// Pause writes out the buffer and suspends file writes. The read loop keeps
// running and records accumulate in the buffer.
func (e *Engine) Pause() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !canPauseFromState(e.state) {
		return errors.NewConflictError(
			fmt.Sprintf("cannot pause capture in state '%s': operation not allowed", e.state),
			nil).WithContext("current_state", string(e.state))
	}

	if err := e.flushLocked(); err != nil {
		e.logger.Warnf("Flush before pause failed, buffered: %d, error: %v", e.bufferBytes, err)
	}
	if e.file != nil {
		if err := e.file.sync(); err != nil {
			e.logger.Warnf("Sync before pause failed, error: %v", err)
		}
	}

	e.state = StatePaused
	e.resumed = make(chan struct{})
	e.logger.Debugf("Capture paused, file: %s", e.ActiveFilePath())
	return nil
}

// Resume restores file writes and flushes what was buffered while paused
func (e *Engine) Resume() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !canResumeFromState(e.state) {
		return errors.NewConflictError(
			fmt.Sprintf("cannot resume capture in state '%s': operation not allowed", e.state),
			nil).WithContext("current_state", string(e.state))
	}

	e.state = StateCapturing
	close(e.resumed)
	e.logger.Debugf("Capture resumed, buffered: %d", e.bufferBytes)

	if err := e.flushLocked(); err != nil {
		e.logger.Warnf("Flush after resume failed, error: %v", err)
	}
	return nil
}

// Stop interrupts the read loop, writes the remaining buffer and closes the
// active file. A paused engine is stopped once it is resumed; ctx bounds that
// wait.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	e.mutex.Lock()
	for e.state == StatePaused {
		resumed := e.resumed
		e.mutex.Unlock()
		select {
		case <-resumed:
		case <-ctx.Done():
			return errors.NewTimeoutError("capture is paused by a report preparation", ctx.Err())
		}
		e.mutex.Lock()
	}

	if !canStopFromState(e.state) {
		state := e.state
		e.mutex.Unlock()
		return errors.NewConflictError(
			fmt.Sprintf("cannot stop capture in state '%s': operation not allowed", state),
			nil).WithContext("current_state", string(state))
	}
	if e.state == StateStopped {
		e.mutex.Unlock()
		return nil
	}

	e.state = StateStopping
	cancel, loopDone := e.cancel, e.loopDone
	e.mutex.Unlock()

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
		e.logger.Warnf("Read loop did not stop in time, proceeding with final flush")
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	errs := errors.NewErrorCollection()
	errs.Add(e.flushLocked())
	if e.file != nil {
		errs.Add(e.file.sync())
		errs.Add(e.file.close())
		e.file = nil
	}
	e.state = StateStopped
	e.cancel = nil

	if errs.HasErrors() {
		e.logger.Errorf("Capture stopped with errors, lost: %d, error: %v", e.bufferBytes, errs)
	} else {
		e.logger.Infof("Capture stopped, evicted: %d", e.evicted)
	}
	e.buffer = nil
	e.bufferBytes = 0
	return errs.ToError()
}

// ===== Records =====

// Append buffers records produced by the host itself. They bypass the filter.
func (e *Engine) Append(records ...*record.Record) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !acceptsRecords(e.state) {
		return errors.NewConflictError("capture is not running", nil).
			WithContext("current_state", string(e.state))
	}
	for _, r := range records {
		e.bufferLocked(e.opts.Formatter.FormatRecord(r))
	}
	if e.bufferBytes >= e.opts.BufferSize {
		return e.flushLocked()
	}
	return nil
}

// Flush writes the buffer to the active file unless capture is paused
func (e *Engine) Flush() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.flushLocked()
}

func (e *Engine) bufferLocked(line string) {
	e.buffer = append(e.buffer, line)
	e.bufferBytes += len(line) + len(format.LineSeparator)
	e.opts.Metrics.Buffered(e.bufferBytes)

	if e.bufferBytes <= e.opts.MaxBufferSize {
		return
	}
	dropped := 0
	for e.bufferBytes > e.opts.MaxBufferSize && len(e.buffer) > 1 {
		e.bufferBytes -= len(e.buffer[0]) + len(format.LineSeparator)
		e.buffer[0] = ""
		e.buffer = e.buffer[1:]
		dropped++
	}
	e.evicted += int64(dropped)
	e.opts.Metrics.Evicted(dropped, e.bufferBytes)
	if !e.evictWarned {
		e.logger.Warnf("Capture buffer full, evicting oldest lines, max_buffer: %d, total_evicted: %d", e.opts.MaxBufferSize, e.evicted)
		e.evictWarned = true
	}
}

// flushLocked writes buffered lines and rotates when the policy says so.
// The buffer is kept when nothing could be written.
func (e *Engine) flushLocked() error {
	switch e.state {
	case StateCapturing, StateStopping:
	default:
		return nil
	}

	if e.file == nil {
		// A previous rotation could not create the fresh file
		if err := e.createActiveFileLocked(); err != nil {
			e.opts.Metrics.Flushed(err, e.bufferBytes)
			return errors.NewRotationError("active file unavailable", err)
		}
	}

	if len(e.buffer) > 0 {
		data := []byte(format.JoinLines(e.buffer))
		if err := e.file.append(data); err != nil {
			e.opts.Metrics.Flushed(err, e.bufferBytes)
			return err
		}
		e.buffer = e.buffer[:0]
		e.bufferBytes = 0
		e.evictWarned = false
		e.opts.Metrics.Flushed(nil, 0)
	}

	createdAt, _ := e.opts.Store.CreationTime()
	if e.policy.ShouldRotate(e.file.size, createdAt, e.opts.Now()) {
		err := e.rotateLocked()
		e.opts.Metrics.Rotated(err)
		return err
	}
	return nil
}

// ===== Files =====

func (e *Engine) openActiveFileLocked() error {
	lf, created, err := openLogFile(e.ActiveFilePath(), e.opts.Formatter)
	if err != nil {
		return err
	}
	e.file = lf

	if _, ok := e.opts.Store.CreationTime(); created || !ok {
		if err := e.opts.Store.SetCreationTime(e.opts.Now()); err != nil {
			e.logger.Warnf("Failed to persist file creation time, error: %v", err)
		}
	}
	return nil
}

func (e *Engine) createActiveFileLocked() error {
	path := e.ActiveFilePath()
	if err := os.MkdirAll(e.opts.Dir, 0755); err != nil {
		return errors.NewIOError("failed to create capture directory", err).WithContext("dir", e.opts.Dir)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to clear stale active file", err).WithContext("path", path)
	}
	lf, _, err := openLogFile(path, e.opts.Formatter)
	if err != nil {
		return err
	}
	e.file = lf
	if err := e.opts.Store.SetCreationTime(e.opts.Now()); err != nil {
		e.logger.Warnf("Failed to persist file creation time, error: %v", err)
	}
	return nil
}

// rotateLocked moves the active file aside as the pending rotated file and
// starts a fresh one. Only the creation of the fresh file is fatal, and the
// next flush retries it.
func (e *Engine) rotateLocked() error {
	active := e.file.path
	pending := e.pendingPathFor(e.opts.Now())

	if old := e.opts.Store.PendingRotated(); old != "" {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			e.logger.Warnf("Failed to delete previous rotated file, path: %s, error: %v", old, err)
		}
	}

	if err := e.file.sync(); err != nil {
		e.logger.Warnf("Sync before rotation failed, error: %v", err)
	}
	if err := e.file.close(); err != nil {
		e.logger.Warnf("Close before rotation failed, error: %v", err)
	}
	e.file = nil

	if err := os.Rename(active, pending); err != nil {
		if reopenErr := e.openActiveFileLocked(); reopenErr != nil {
			e.logger.Errorf("Failed to reopen active file after rename failure, error: %v", reopenErr)
		}
		return errors.NewRotationError("failed to rename active file", err).
			WithContext("from", active).WithContext("to", pending)
	}
	if err := e.opts.Store.SetPendingRotated(pending); err != nil {
		e.logger.Warnf("Failed to persist rotated file path, path: %s, error: %v", pending, err)
	}

	if err := e.createActiveFileLocked(); err != nil {
		e.logger.Errorf("Rotation could not create a fresh active file, retrying on next flush, error: %v", err)
		return errors.NewRotationError("failed to create active file", err).WithContext("path", active)
	}

	e.logger.Infof("Log file rotated, pending: %s", pending)
	return nil
}

func (e *Engine) pendingPathFor(now time.Time) string {
	name := fmt.Sprintf("%s%s%d%s", e.opts.FileName, pendingInfix, now.UnixMilli(), e.opts.Formatter.FileExtension())
	return filepath.Join(e.opts.Dir, name)
}

// cleanupOrphansLocked removes rotated files left by a previous run that the
// state store no longer references
func (e *Engine) cleanupOrphansLocked() {
	pending := e.opts.Store.PendingRotated()
	if pending != "" {
		if _, err := os.Stat(pending); os.IsNotExist(err) {
			if err := e.opts.Store.SetPendingRotated(""); err != nil {
				e.logger.Warnf("Failed to clear missing rotated file path, error: %v", err)
			}
			pending = ""
		}
	}

	pattern := filepath.Join(e.opts.Dir, e.opts.FileName+pendingInfix+"*"+e.opts.Formatter.FileExtension())
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, path := range matches {
		if filepath.Clean(path) == filepath.Clean(pending) {
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.Warnf("Failed to delete orphaned rotated file, path: %s, error: %v", path, err)
			continue
		}
		e.logger.Infof("Deleted orphaned rotated file, path: %s", path)
	}
}

// ===== Loops =====

func (e *Engine) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var reader logsource.LineReader
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

	for {
		if reader == nil {
			var err error
			reader, err = e.opts.Source.Open(ctx, e.sourceOptions())
			if err != nil {
				reader = nil
				if ctx.Err() != nil {
					return
				}
				e.logger.Warnf("Failed to open log source, retry_in: %v, error: %v", e.opts.ReopenDelay, err)
				if !e.sleep(ctx, e.opts.ReopenDelay) {
					return
				}
				continue
			}
		}

		line, err := reader.ReadLine()
		if err != nil {
			reader.Close()
			reader = nil
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				e.logger.Debugf("Log source ended, reopening in %v", e.opts.ReopenDelay)
			} else {
				e.logger.Warnf("Log source read failed, reopening in %v, error: %v", e.opts.ReopenDelay, err)
			}
			if !e.sleep(ctx, e.opts.ReopenDelay) {
				return
			}
			continue
		}

		e.handleLine(line)
	}
}

func (e *Engine) handleLine(line string) {
	e.opts.Metrics.LineRead()
	if strings.TrimSpace(line) == "" {
		return
	}

	r, err := record.Parse(line)
	if err != nil {
		e.opts.Metrics.ParseError()
		e.logger.Debugf("Dropping unparseable line, error: %v", err)
		return
	}

	if e.opts.Filter != nil {
		e.opts.Filter.Resolve(r)
		if !e.opts.Filter.Passes(r) {
			e.opts.Metrics.Filtered()
			return
		}
	}

	if err := e.Append(r); err != nil && !errors.IsConflictError(err) {
		e.logger.Warnf("Flush failed, buffered: %d, error: %v", e.BufferedBytes(), err)
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Flush(); err != nil {
				e.logger.Warnf("Periodic flush failed, error: %v", err)
			}
		}
	}
}

func (e *Engine) sourceOptions() logsource.Options {
	if e.opts.Filter == nil {
		return logsource.Options{MinLevel: record.LevelVerbose}
	}
	pushDown := e.opts.Filter.PushDown()
	return logsource.Options{Tags: pushDown.Tags, MinLevel: pushDown.MinLevel}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
