package metadata

import (
	"context"
	"os"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

// Provider returns the key-value facts attached to a report. Keys are opaque to the pipeline.
type Provider func(ctx context.Context) map[string]string

// AppInfo describes the host application
type AppInfo struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

// Static always returns a copy of values
func Static(values map[string]string) Provider {
	return func(context.Context) map[string]string {
		out := make(map[string]string, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out
	}
}

// Merge combines providers; later providers override earlier keys
func Merge(providers ...Provider) Provider {
	return func(ctx context.Context) map[string]string {
		out := make(map[string]string)
		for _, p := range providers {
			if p == nil {
				continue
			}
			for k, v := range p(ctx) {
				out[k] = v
			}
		}
		return out
	}
}

// HostProvider collects application, runtime and host facts. Facts that
// cannot be read are left out.
func HostProvider(app AppInfo, logger logging.Logger) Provider {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return func(ctx context.Context) map[string]string {
		md := map[string]string{
			"app_name":   app.Name,
			"pid":        strconv.Itoa(os.Getpid()),
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"goroutines": strconv.Itoa(runtime.NumGoroutine()),
		}
		if app.Version != "" {
			md["app_version"] = app.Version
		}

		if info, err := host.InfoWithContext(ctx); err == nil {
			md["hostname"] = info.Hostname
			md["platform"] = info.Platform
			md["platform_version"] = info.PlatformVersion
			md["kernel_version"] = info.KernelVersion
			md["uptime_seconds"] = strconv.FormatUint(info.Uptime, 10)
		} else {
			logger.Debugf("Host info unavailable, error: %v", err)
		}

		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			md["memory_total"] = strconv.FormatUint(vm.Total, 10)
			md["memory_available"] = strconv.FormatUint(vm.Available, 10)
		} else {
			logger.Debugf("Memory info unavailable, error: %v", err)
		}

		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			md["cpu_count"] = strconv.Itoa(n)
		}
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			md["cpu_model"] = infos[0].ModelName
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		md["heap_alloc"] = strconv.FormatUint(ms.HeapAlloc, 10)
		return md
	}
}
