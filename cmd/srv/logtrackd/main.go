package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-logtrack/pkg/config"
	"github.com/core-tools/hsu-logtrack/pkg/crash"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logpaths"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/tracker"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the YAML configuration file"`
	Preset      string `long:"preset" choice:"debug" choice:"production" default:"debug" description:"preset used when no configuration file is given"`
	App         string `long:"app" default:"logtrack" description:"application name for the preset"`
	DataDir     string `long:"data-dir" description:"directory for capture files, reports and state"`
	MetricsAddr string `long:"metrics-addr" description:"serve prometheus metrics on this address"`
	Stdin       bool   `long:"stdin" description:"read log lines from stdin instead of the configured command"`
	PIDFile     bool   `long:"pid-file" description:"write a pid file"`
}

const shutdownTimeout = 10 * time.Second

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Configuration failed: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logging.NewZapAdapter(cfg.Logging)
	if err != nil {
		fmt.Printf("Logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapLogger.WithComponent("logtrackd")

	if err := run(opts, cfg, logger); err != nil {
		logger.Errorf("Daemon failed, error: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func loadConfig(opts flagOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.Config != "" {
		loaded, err := config.LoadConfigFromFile(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if opts.Preset == "production" {
		cfg = config.DefaultProductionConfig(opts.App)
	} else {
		cfg = config.DefaultDebugConfig(opts.App)
	}

	if opts.DataDir != "" {
		cfg.UseBaseDirectory(opts.DataDir)
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = opts.MetricsAddr
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(opts flagOptions, cfg *config.Config, logger logging.StructuredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := crash.NewMainLoop(0)
	trackerOptions := tracker.Options{Config: cfg, Loop: loop}

	if opts.Stdin {
		source := logsource.NewChannelSource(0)
		trackerOptions.Source = source
		go func() {
			if err := source.Pump(ctx, os.Stdin); err != nil {
				logger.Warnf("Reading stdin stopped, error: %v", err)
			}
		}()
	}

	t, err := tracker.New(trackerOptions, logger.WithComponent("tracker"))
	if err != nil {
		return err
	}

	if opts.PIDFile {
		paths := logpaths.NewManager(cfg.Paths, logger)
		if err := paths.WritePIDFile(os.Getpid()); err != nil {
			return err
		}
		defer paths.RemovePIDFile()
	}

	if err := t.Start(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Metrics().Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infof("Serving metrics, address: %s", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server failed, error: %v", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	go func() {
		for sig := range signals {
			if sig != syscall.SIGHUP {
				logger.Infof("Shutdown requested, signal: %v", sig)
				cancel()
				return
			}
			err := loop.Post(func() { requestReport(ctx, t, logger) })
			if err != nil {
				logger.Warnf("Report request dropped, error: %v", err)
			}
		}
	}()

	logger.Infof("Daemon running, app: %s, pid: %d, send SIGHUP for a report", cfg.App.Name, os.Getpid())
	loopErr := loop.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics server shutdown failed, error: %v", err)
		}
	}
	if err := t.Stop(shutdownCtx); err != nil {
		return err
	}
	return loopErr
}

// requestReport runs on the main loop; the report itself completes in the background
func requestReport(ctx context.Context, t *tracker.Tracker, logger logging.Logger) {
	results := t.ReportIssue(ctx, fmt.Sprintf("Report requested by signal at %s", time.Now().Format(time.RFC3339)))
	t.Go(func() {
		res := <-results
		if res.Err != nil {
			logger.Errorf("Signal report failed, error: %v", res.Err)
			return
		}
		logger.Infof("Signal report done, id: %s, archive: %s", res.Report.ID, res.Report.ArchiveFile)
	})
}
