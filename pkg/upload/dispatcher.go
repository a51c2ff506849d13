package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/metrics"
	"github.com/core-tools/hsu-logtrack/pkg/report"
)

const DefaultWorkers = 3

// Options configures a Dispatcher
type Options struct {
	Sender  Sender
	Retry   RetryConfig
	Workers int

	// RequireConnectivity skips delivery attempts while Connectivity reports no network
	RequireConnectivity bool
	Connectivity        ConnectivityChecker

	Notifier Notifier

	// SnapshotDirs hold ephemeral attachments; their contents are removed after a successful delivery
	SnapshotDirs []string

	Metrics *metrics.Registry
}

// Dispatcher delivers report archives on a small worker pool. Every archive
// is deleted once its delivery ends, whatever the outcome.
type Dispatcher struct {
	opts    Options
	logger  logging.Logger
	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

func NewDispatcher(opts Options, logger logging.Logger) (*Dispatcher, error) {
	if opts.Sender == nil {
		return nil, errors.NewValidationError("sender is required", nil)
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if err := ValidateRetryConfig(opts.Retry); err != nil {
		return nil, errors.NewValidationError("invalid retry config", err)
	}
	if opts.RequireConnectivity && opts.Connectivity == nil {
		return nil, errors.NewValidationError("connectivity checker is required when connectivity is required", nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Dispatcher{
		opts:    opts,
		logger:  logger,
		workers: semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

// SendReport delivers r in the background. The channel receives the final
// outcome once the archive has been cleaned up and the notifier called.
func (d *Dispatcher) SendReport(ctx context.Context, r *report.IssueReport) <-chan error {
	done := make(chan error, 1)
	if r == nil {
		done <- errors.NewValidationError("report cannot be nil", nil)
		return done
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var err error
		if acquireErr := d.workers.Acquire(ctx, 1); acquireErr != nil {
			err = errors.NewCancelledError("report delivery not started", acquireErr).WithContext("report", r.ID)
		} else {
			err = d.deliver(ctx, r)
			d.workers.Release(1)
		}

		d.complete(r, err)
		done <- err
	}()
	return done
}

// Wait blocks until every delivery started so far has completed
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, r *report.IssueReport) error {
	started := time.Now()
	defer func() { d.opts.Metrics.UploadFinished(time.Since(started).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= d.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := d.opts.Retry.delayBefore(attempt)
			d.logger.Infof("Retrying report delivery, report: %s, attempt: %d/%d, waiting: %v, last_error: %v",
				r.ID, attempt+1, d.opts.Retry.MaxRetries+1, delay, lastErr)
			if !sleep(ctx, delay) {
				break
			}
		}

		if d.opts.RequireConnectivity && !d.opts.Connectivity.Connected(ctx) {
			lastErr = errors.NewNetworkError("no network connectivity", nil)
			d.opts.Metrics.UploadAttempt(lastErr)
			continue
		}

		err := d.opts.Sender.Send(ctx, r)
		d.opts.Metrics.UploadAttempt(err)
		if err == nil {
			d.logger.Infof("Report delivered, report: %s, attempts: %d", r.ID, attempt+1)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return errors.NewCancelledError("report delivery cancelled", lastErr).WithContext("report", r.ID)
	}
	return errors.NewUploadError("report delivery failed", lastErr).
		WithContext("report", r.ID).WithContext("attempts", d.opts.Retry.MaxRetries+1)
}

// complete deletes the archive, clears snapshots after a success and notifies
func (d *Dispatcher) complete(r *report.IssueReport, err error) {
	cleanup := errors.NewErrorCollection()
	if rmErr := os.Remove(r.ArchiveFile); rmErr != nil && !os.IsNotExist(rmErr) {
		cleanup.Add(errors.NewIOError("failed to delete report archive", rmErr).WithContext("path", r.ArchiveFile))
	}
	if err == nil {
		for _, dir := range d.opts.SnapshotDirs {
			cleanup.Add(clearDir(dir))
		}
	}
	if cleanup.HasErrors() {
		d.logger.Warnf("Report cleanup incomplete, report: %s, error: %v", r.ID, cleanup)
	}

	if err != nil {
		d.logger.Errorf("Report delivery failed, report: %s, error: %v", r.ID, err)
	}
	if d.opts.Notifier == nil {
		return
	}
	if err == nil {
		d.opts.Notifier.NotifySuccess(r)
	} else {
		d.opts.Notifier.NotifyFailure(r, err)
	}
}

// clearDir removes the contents of dir and keeps dir itself
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewIOError("failed to list snapshot directory", err).WithContext("dir", dir)
	}
	errs := errors.NewErrorCollection()
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			errs.Add(errors.NewIOError("failed to delete snapshot", err).WithContext("path", path))
		}
	}
	return errs.ToError()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
