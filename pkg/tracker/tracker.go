package tracker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-logtrack/pkg/capture"
	"github.com/core-tools/hsu-logtrack/pkg/config"
	"github.com/core-tools/hsu-logtrack/pkg/crash"
	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/filter"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logpaths"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/metadata"
	"github.com/core-tools/hsu-logtrack/pkg/metrics"
	"github.com/core-tools/hsu-logtrack/pkg/record"
	"github.com/core-tools/hsu-logtrack/pkg/report"
	"github.com/core-tools/hsu-logtrack/pkg/statestore"
	"github.com/core-tools/hsu-logtrack/pkg/upload"
)

// CrashTag is the tag of crash stack records written into the capture stream
const CrashTag = "Crash"

// Options carries the collaborators a host can substitute. Everything left
// nil is built from Config.
type Options struct {
	Config *config.Config

	// Source replaces the configured log source
	Source logsource.Source

	// Sender replaces the configured transport
	Sender upload.Sender

	Notifier  upload.Notifier
	Presenter crash.Presenter
	Lifecycle crash.Lifecycle

	// Loop is the host's primary executor; crash handling runs on it when set
	Loop *crash.MainLoop

	// Metadata is merged over the collected host metadata
	Metadata metadata.Provider

	Store   statestore.Store
	Lister  filter.ProcessLister
	Metrics *metrics.Registry

	// DefaultCrashHandler receives faults that are not reported
	DefaultCrashHandler func(*crash.Fault)

	// CrashReported receives the outcome of a crash report before the
	// after-crash action runs. It is called on Loop when one is running.
	CrashReported func(report.Result)
}

// crashCallbackTimeout bounds the wait for CrashReported on the main loop
const crashCallbackTimeout = 5 * time.Second

// Tracker owns one capture and reporting pipeline
type Tracker struct {
	config    *config.Config
	logger    logging.Logger
	paths     *logpaths.Manager
	source    logsource.Source
	filter    *filter.Filter
	engine    *capture.Engine
	assembler *report.Assembler
	sender    *upload.Dispatcher
	handler   *crash.Handler
	presenter crash.Presenter
	lifecycle crash.Lifecycle
	metrics   *metrics.Registry
	loop      *crash.MainLoop
	reported  func(report.Result)

	mutex   sync.Mutex
	started bool
	pending sync.WaitGroup
}

func New(opts Options, logger logging.Logger) (*Tracker, error) {
	if opts.Config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	cfg := opts.Config
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	t := &Tracker{
		config:    cfg,
		logger:    logger,
		paths:     logpaths.NewManager(cfg.Paths, logger),
		presenter: opts.Presenter,
		lifecycle: opts.Lifecycle,
		metrics:   opts.Metrics,
		loop:      opts.Loop,
		reported:  opts.CrashReported,
	}
	if t.presenter == nil {
		t.presenter = crash.AutoSend{}
	}
	if t.lifecycle == nil {
		t.lifecycle = NewProcessLifecycle(logger)
	}
	if t.metrics == nil && cfg.Metrics.Enabled {
		t.metrics = metrics.NewRegistry(cfg.Metrics.Namespace, nil)
	}

	t.source = opts.Source
	if t.source == nil && cfg.Source.Type == config.SourceCommand {
		t.source = logsource.NewCommandSource(cfg.Source.Command, cfg.Source.Args, cfg.Source.MaxDumpLines, logger)
	}

	lister := opts.Lister
	if lister == nil {
		lister = filter.NewSystemProcessLister()
	}
	pushDown := t.source != nil && t.source.SupportsPushDown()
	t.filter = filter.New(cfg.Filter, filter.NewResolver(lister, 0, logger), pushDown)

	formatter, err := format.New(cfg.Format)
	if err != nil {
		return nil, errors.NewValidationError("invalid format", err)
	}

	if cfg.SavingMode == config.SaveAll {
		if err := t.buildEngine(opts, formatter); err != nil {
			return nil, err
		}
	}

	if err := t.buildAssembler(opts, formatter); err != nil {
		return nil, err
	}
	if err := t.buildDispatcher(opts); err != nil {
		return nil, err
	}

	if cfg.Crash.Enabled {
		t.handler = crash.NewHandler(crash.HandlerOptions{
			Classifier: crash.NewClassifier(cfg.Crash.Namespace),
			Loop:       opts.Loop,
			Print:      t.printStack,
			OnCrash:    t.onCrash,
			Default:    opts.DefaultCrashHandler,
		}, logger)
	}

	return t, nil
}

func (t *Tracker) buildEngine(opts Options, formatter format.Formatter) error {
	store := opts.Store
	if store == nil {
		fileStore, err := statestore.OpenFileStore(t.paths.StateFilePath())
		if err != nil {
			return err
		}
		store = fileStore
	}

	engine, err := capture.NewEngine(capture.Options{
		Dir:           t.config.Capture.Directory,
		FileName:      t.config.Capture.FileName,
		Formatter:     formatter,
		Source:        t.source,
		Filter:        t.filter,
		Rotation:      t.config.Rotation,
		Store:         store,
		BufferSize:    t.config.Capture.BufferBytes,
		MaxBufferSize: t.config.Capture.MaxBufferBytes,
		FlushInterval: t.config.Capture.FlushInterval,
		ReopenDelay:   t.config.Capture.ReopenDelay,
		ClearOnStart:  t.config.Source.ClearOnStart,
		Metrics:       t.metrics,
	}, t.logger)
	if err != nil {
		return err
	}
	t.engine = engine
	return nil
}

func (t *Tracker) buildAssembler(opts Options, formatter format.Formatter) error {
	cfg := t.config
	provider := metadata.Merge(
		metadata.HostProvider(metadata.AppInfo{Name: cfg.App.Name, Version: cfg.App.Version}, t.logger),
		metadata.Static(cfg.App.Metadata),
		opts.Metadata,
	)

	assemblerOpts := report.Options{
		Dir:         cfg.Report.Directory,
		Formatter:   formatter,
		Source:      t.source,
		Filter:      t.filter,
		Metadata:    provider,
		Attachments: t.attachments,
		OwnPackage:  cfg.Filter.OwnPackage,
		Workers:     cfg.Report.Workers,
		Metrics:     t.metrics,
	}
	if t.engine != nil {
		assemblerOpts.Capture = t.engine
	}

	assembler, err := report.NewAssembler(assemblerOpts, t.logger)
	if err != nil {
		return err
	}
	t.assembler = assembler
	return nil
}

func (t *Tracker) buildDispatcher(opts Options) error {
	cfg := t.config.Upload

	sender := opts.Sender
	if sender == nil {
		var err error
		switch cfg.Transport {
		case config.TransportEmail:
			sender, err = upload.NewEmailSender(*cfg.Email)
		case config.TransportHTTP:
			sender, err = upload.NewHTTPSender(*cfg.HTTP, nil)
		}
		if err != nil {
			return err
		}
	}
	if sender == nil {
		t.logger.Infof("No upload transport configured, reports stay in %s", t.config.Report.Directory)
		return nil
	}

	notifier := opts.Notifier
	if notifier == nil && cfg.Notify {
		notifier = logNotifier{logger: t.logger}
	}

	var snapshotDirs []string
	if dir := t.config.Report.SnapshotDirectory; dir != "" {
		snapshotDirs = []string{dir}
	}

	dispatcher, err := upload.NewDispatcher(upload.Options{
		Sender:              sender,
		Retry:               cfg.Retry,
		Workers:             cfg.Workers,
		RequireConnectivity: cfg.RequireConnectivity,
		Connectivity:        upload.TCPChecker{Address: cfg.ProbeAddress, Timeout: cfg.ProbeTimeout},
		Notifier:            notifier,
		SnapshotDirs:        snapshotDirs,
		Metrics:             t.metrics,
	}, t.logger)
	if err != nil {
		return err
	}
	t.sender = dispatcher
	return nil
}

// ===== Lifecycle =====

// Start prepares the directories and starts capture in save_all mode
func (t *Tracker) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.started {
		return errors.NewConflictError("tracker already started", nil)
	}

	dirs := []string{t.config.Report.Directory}
	if dir := t.config.Report.SnapshotDirectory; dir != "" {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if err := logpaths.EnsureDirectory(dir); err != nil {
			return err
		}
	}

	if t.engine != nil {
		if err := t.engine.Start(ctx); err != nil {
			return err
		}
	}

	t.started = true
	t.logger.Infof("Tracker started, app: %s, mode: %s, format: %s", t.config.App.Name, t.config.SavingMode, t.config.Format)
	return nil
}

// Stop waits for reports in flight, then stops capture. ctx bounds both waits.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warnf("Reports still in flight at shutdown")
	}

	if t.engine != nil {
		if err := t.engine.Stop(ctx); err != nil {
			return err
		}
	}

	t.started = false
	t.logger.Infof("Tracker stopped, app: %s", t.config.App.Name)
	return nil
}

// ===== Own records =====

// Log writes a record of the host into the capture stream. The tag gets the
// own-record prefix so own-records filtering keeps it. Records below the
// configured app level are dropped.
func (t *Tracker) Log(level record.Level, tag string, format string, args ...interface{}) {
	if level < t.config.App.LogLevel {
		return
	}
	t.append(t.ownRecord(level, tag, fmt.Sprintf(format, args...)))
}

func (t *Tracker) ownRecord(level record.Level, tag, message string) *record.Record {
	pid := os.Getpid()
	return &record.Record{
		Timestamp: time.Now().Format(record.TimestampLayout),
		PID:       pid,
		TID:       int64(pid),
		Level:     level,
		Tag:       filter.OwnTagPrefix + tag,
		Package:   t.config.Filter.OwnPackage,
		Message:   message,
	}
}

// append routes own records: into the capture engine when capturing,
// otherwise into an in-process source so a later dump sees them
func (t *Tracker) append(records ...*record.Record) {
	if t.engine != nil && t.engine.IsCapturing() {
		if err := t.engine.Append(records...); err != nil {
			t.logger.Debugf("Own record dropped, error: %v", err)
		}
		return
	}
	if emitter, ok := t.source.(interface{ Emit(lines ...string) }); ok {
		lines := make([]string, len(records))
		for i, r := range records {
			lines[i] = r.RawLine()
		}
		emitter.Emit(lines...)
	}
}

// ===== Reports =====

// ReportIssue prepares an issue report and hands it to the upload dispatcher.
// The channel receives the report and the final outcome.
func (t *Tracker) ReportIssue(ctx context.Context, message string) <-chan report.Result {
	return t.submit(ctx, report.IssueRequest(message))
}

func (t *Tracker) submit(ctx context.Context, req report.Request) <-chan report.Result {
	out := make(chan report.Result, 1)
	t.pending.Add(1)

	go func() {
		defer t.pending.Done()

		res := <-t.assembler.Prepare(ctx, req)
		if res.Err != nil || t.sender == nil {
			out <- res
			return
		}
		err := <-t.sender.SendReport(ctx, res.Report)
		out <- report.Result{Report: res.Report, Err: err}
	}()
	return out
}

// ===== Crashes =====

// Recover handles a panic of the calling goroutine. Use as `defer t.Recover()`.
func (t *Tracker) Recover() {
	if t.handler == nil {
		return
	}
	if r := recover(); r != nil {
		t.handler.Handle(crash.CaptureFault(r, 0))
	}
}

// Go runs fn on a new goroutine whose panics become crash reports
func (t *Tracker) Go(fn func()) {
	if t.handler == nil {
		go fn()
		return
	}
	t.handler.Go(fn)
}

// printStack writes the crash stack into the active file as error records.
// Dump-mode reports add the stack themselves.
func (t *Tracker) printStack(lines []string) {
	if t.engine == nil || !t.engine.IsCapturing() || !t.config.Crash.PrintStack {
		return
	}
	records := make([]*record.Record, len(lines))
	for i, line := range lines {
		records[i] = t.ownRecord(record.LevelError, CrashTag, line)
	}
	if err := t.engine.Append(records...); err != nil {
		t.logger.Warnf("Crash stack not captured, error: %v", err)
	}
}

// onCrash runs on the main loop when there is one. Only the presenter runs
// there; the report and the after-crash action finish in the background.
func (t *Tracker) onCrash(fault *crash.Fault) {
	send := t.presenter.PresentCrash(fault)
	if !send {
		t.logger.Infof("Crash report declined, panic: %v", fault.Value)
	}

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		if send {
			res := <-t.submit(context.Background(), report.CrashRequest(fault.StackLines()))
			t.crashReported(res)
		}
		t.afterCrash()
	}()
}

func (t *Tracker) crashReported(res report.Result) {
	if res.Err != nil {
		t.logger.Errorf("Crash report failed, error: %v", res.Err)
	} else {
		t.logger.Infof("Crash report done, id: %s", res.Report.ID)
	}
	if t.reported == nil {
		return
	}

	if t.loop != nil && t.loop.IsRunning() {
		done := make(chan struct{})
		err := t.loop.Post(func() {
			defer close(done)
			t.reported(res)
		})
		if err == nil {
			select {
			case <-done:
			case <-time.After(crashCallbackTimeout):
				t.logger.Warnf("Crash report callback still pending on main loop")
			}
			return
		}
		t.logger.Warnf("Could not post crash report callback, calling inline, error: %v", err)
	}
	t.reported(res)
}

func (t *Tracker) afterCrash() {
	if t.engine != nil {
		if err := t.engine.Flush(); err != nil {
			t.logger.Warnf("Final flush before %s failed, error: %v", t.config.Crash.AfterCrash, err)
		}
	}

	switch t.config.Crash.AfterCrash {
	case crash.RelaunchApp:
		t.logger.Infof("Relaunching after crash, app: %s", t.config.App.Name)
		t.lifecycle.Relaunch()
	default:
		t.logger.Infof("Closing after crash, app: %s", t.config.App.Name)
		t.lifecycle.Close()
	}
}

// ===== Accessors =====

func (t *Tracker) Config() *config.Config {
	return t.config
}

// Engine returns the capture engine; nil in save_only_if_needed mode
func (t *Tracker) Engine() *capture.Engine {
	return t.engine
}

func (t *Tracker) Assembler() *report.Assembler {
	return t.assembler
}

// Dispatcher returns the upload dispatcher; nil without a transport
func (t *Tracker) Dispatcher() *upload.Dispatcher {
	return t.sender
}

func (t *Tracker) Metrics() *metrics.Registry {
	return t.metrics
}

// SnapshotDirectory is where the host drops snapshots attached to the next report
func (t *Tracker) SnapshotDirectory() string {
	return t.config.Report.SnapshotDirectory
}

func (t *Tracker) attachments() []string {
	paths := append([]string(nil), t.config.Report.Attachments...)
	if dir := t.config.Report.SnapshotDirectory; dir != "" {
		paths = append(paths, dir)
	}
	return paths
}

// logNotifier reports delivery outcomes through the logger
type logNotifier struct {
	logger logging.Logger
}

func (n logNotifier) NotifySuccess(r *report.IssueReport) {
	n.logger.Infof("Report sent, id: %s, kind: %s", r.ID, r.Kind)
}

func (n logNotifier) NotifyFailure(r *report.IssueReport, err error) {
	n.logger.Warnf("Report not sent, id: %s, kind: %s, error: %v", r.ID, r.Kind, err)
}
