package filter

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

// DefaultRefreshInterval bounds how often a lookup miss may rescan the process table
const DefaultRefreshInterval = 2 * time.Second

// ProcessLister enumerates running processes as pid -> package (process) name
type ProcessLister interface {
	ListProcesses(ctx context.Context) (map[int]string, error)
}

type systemProcessLister struct{}

// NewSystemProcessLister lists processes of the local host
func NewSystemProcessLister() ProcessLister {
	return systemProcessLister{}
}

func (systemProcessLister) ListProcesses(ctx context.Context) (map[int]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.NewIOError("failed to enumerate processes", err)
	}

	result := make(map[int]string, len(procs))
	for _, p := range procs {
		name := packageName(ctx, p)
		if name != "" {
			result[int(p.Pid)] = name
		}
	}
	return result, nil
}

// packageName prefers argv[0] because kernel process names are truncated to 15 bytes
func packageName(ctx context.Context, p *process.Process) string {
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 && args[0] != "" {
		return filepath.Base(args[0])
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// Resolver maps pids to package names and refreshes lazily on lookup misses
type Resolver struct {
	lister          ProcessLister
	refreshInterval time.Duration
	logger          logging.Logger
	now             func() time.Time

	mu          sync.RWMutex
	byPID       map[int]string
	pinned      map[int]string
	lastRefresh time.Time

	group singleflight.Group
}

func NewResolver(lister ProcessLister, refreshInterval time.Duration, logger logging.Logger) *Resolver {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Resolver{
		lister:          lister,
		refreshInterval: refreshInterval,
		logger:          logger,
		now:             time.Now,
		byPID:           make(map[int]string),
		pinned:          make(map[int]string),
	}
}

// Pin fixes the package name of a pid regardless of the process table
func (r *Resolver) Pin(pid int, packageName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[pid] = packageName
	r.byPID[pid] = packageName
}

// PackageOf returns the package name of pid, or "" when the pid is unknown
// even after a refresh.
func (r *Resolver) PackageOf(pid int) string {
	if name, ok := r.lookup(pid); ok {
		return name
	}

	if err := r.refresh(context.Background(), false); err != nil {
		r.logger.Warnf("Process table refresh failed, pid: %d, error: %v", pid, err)
	}

	name, ok := r.lookup(pid)
	if !ok {
		// Negative entry until the next full refresh
		r.mu.Lock()
		r.byPID[pid] = ""
		r.mu.Unlock()
	}
	return name
}

// PIDsOf returns the known pids running one of the packages
func (r *Resolver) PIDsOf(packages []string) []int {
	wanted := make(map[string]struct{}, len(packages))
	for _, p := range packages {
		wanted[p] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var pids []int
	for pid, name := range r.byPID {
		if _, ok := wanted[name]; ok && name != "" {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Refresh rescans the process table unconditionally
func (r *Resolver) Refresh(ctx context.Context) error {
	return r.refresh(ctx, true)
}

func (r *Resolver) lookup(pid int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPID[pid]
	return name, ok
}

func (r *Resolver) refresh(ctx context.Context, force bool) error {
	if !force {
		r.mu.RLock()
		fresh := r.now().Sub(r.lastRefresh) < r.refreshInterval
		r.mu.RUnlock()
		if fresh {
			return nil
		}
	}

	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		procs, err := r.lister.ListProcesses(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.lastRefresh = r.now()
		if err != nil {
			return nil, err
		}

		byPID := make(map[int]string, len(procs)+len(r.pinned))
		for pid, name := range procs {
			byPID[pid] = name
		}
		for pid, name := range r.pinned {
			byPID[pid] = name
		}
		r.byPID = byPID
		r.logger.Debugf("Process table refreshed, processes: %d", len(procs))
		return nil, nil
	})
	return err
}
