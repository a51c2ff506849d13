package filter

import (
	"os"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// PushDown is the part of the filter expressed to the log source itself
type PushDown struct {
	Tags     []string
	MinLevel record.Level
}

// Filter decides whether a record reaches the active log file.
// It is safe for concurrent use.
type Filter struct {
	config   Config
	resolver *Resolver
	pushDown bool

	pids     map[int]struct{}
	packages map[string]struct{}
	tags     map[string]struct{}
}

// New builds a filter. pushDown tells whether the log source already applies
// the tag and level constraints; otherwise they are checked per record.
func New(config Config, resolver *Resolver, pushDown bool) *Filter {
	config = config.Normalize()

	f := &Filter{
		config:   config,
		resolver: resolver,
		pushDown: pushDown,
		pids:     make(map[int]struct{}, len(config.PIDs)),
		packages: make(map[string]struct{}, len(config.Packages)),
		tags:     make(map[string]struct{}, len(config.Tags)),
	}
	for _, pid := range config.PIDs {
		f.pids[pid] = struct{}{}
	}
	for _, p := range config.Packages {
		f.packages[p] = struct{}{}
	}
	for _, t := range config.Tags {
		f.tags[t] = struct{}{}
	}

	if resolver != nil && config.OwnPackage != "" {
		resolver.Pin(os.Getpid(), config.OwnPackage)
	}
	return f
}

func (f *Filter) Config() Config {
	return f.config
}

// PushDown returns the constraints the log source should apply
func (f *Filter) PushDown() PushDown {
	return PushDown{
		Tags:     append([]string(nil), f.config.Tags...),
		MinLevel: f.config.MinLevel,
	}
}

// IsAvailable reports whether any constraint is configured
func (f *Filter) IsAvailable() bool {
	return f.config.IsAvailable()
}

// Resolve fills the package name of a freshly parsed record
func (f *Filter) Resolve(r *record.Record) {
	if f.resolver == nil || r.Package != "" {
		return
	}
	r.Package = f.resolver.PackageOf(r.PID)
}

// Passes applies the conjunctive rule: pid allowlist (explicit pids plus pids
// of allowed packages), own-record tag prefix, and the tag/level constraints
// when the source cannot push them down.
func (f *Filter) Passes(r *record.Record) bool {
	if !f.pidAllowed(r) {
		return false
	}
	if f.config.OnlyOwnRecords && !strings.HasPrefix(r.Tag, OwnTagPrefix) {
		return false
	}
	if !f.pushDown {
		if r.Level < f.config.MinLevel {
			return false
		}
		if len(f.tags) > 0 {
			if _, ok := f.tags[r.Tag]; !ok {
				return false
			}
		}
	}
	return true
}

// PIDs returns the pid set currently derived from the allowlists
func (f *Filter) PIDs() []int {
	pids := append([]int(nil), f.config.PIDs...)
	if f.resolver != nil && len(f.packages) > 0 {
		pids = append(pids, f.resolver.PIDsOf(f.config.Packages)...)
	}
	return pids
}

func (f *Filter) pidAllowed(r *record.Record) bool {
	if len(f.pids) == 0 && len(f.packages) == 0 {
		return true
	}
	if _, ok := f.pids[r.PID]; ok {
		return true
	}
	if len(f.packages) == 0 {
		return false
	}

	pkg := r.Package
	if pkg == "" && f.resolver != nil {
		pkg = f.resolver.PackageOf(r.PID)
	}
	_, ok := f.packages[pkg]
	return ok && pkg != ""
}
