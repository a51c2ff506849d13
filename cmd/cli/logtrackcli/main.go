package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-logtrack/pkg/config"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/logpaths"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/tracker"
)

type globalOptions struct {
	Verbose bool `long:"verbose" short:"v" description:"log progress to stderr"`
}

var global globalOptions

type configSelection struct {
	Config  string `long:"config" short:"c" description:"path to the YAML configuration file"`
	Preset  string `long:"preset" choice:"debug" choice:"production" default:"production" description:"preset used when no configuration file is given"`
	App     string `long:"app" default:"logtrack" description:"application name for the preset"`
	DataDir string `long:"data-dir" description:"directory for reports and state"`
}

func (s configSelection) load() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case s.Config != "":
		loaded, err := config.LoadConfigFromFile(s.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case s.Preset == "debug":
		cfg = config.DefaultDebugConfig(s.App)
	default:
		cfg = config.DefaultProductionConfig(s.App)
	}
	if s.DataDir != "" {
		cfg.UseBaseDirectory(s.DataDir)
	}
	return cfg, nil
}

// ===== validate =====

type validateCommand struct {
	configSelection
	Print bool `long:"print" description:"print the resolved configuration"`
}

func (c *validateCommand) Execute(args []string) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}
	if c.Print {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}
	fmt.Println("configuration is valid")
	return nil
}

// ===== paths =====

type pathsCommand struct {
	Scenario string `long:"scenario" default:"user" description:"deployment scenario: system, session, user or development"`
	App      string `long:"app" default:"logtrack" description:"application name"`
	Create   bool   `long:"create" description:"create the directories"`
}

func (c *pathsCommand) Execute(args []string) error {
	manager := logpaths.NewManager(logpaths.RecommendedConfig(c.Scenario, c.App), newLogger())
	if c.Create {
		if err := manager.EnsureLayout(); err != nil {
			return err
		}
	}
	fmt.Printf("data:      %s\n", manager.DataDirectory())
	fmt.Printf("capture:   %s\n", manager.CaptureDirectory())
	fmt.Printf("reports:   %s\n", manager.ReportDirectory())
	fmt.Printf("snapshots: %s\n", manager.SnapshotDirectory())
	fmt.Printf("state:     %s\n", manager.StateFilePath())
	fmt.Printf("pid file:  %s\n", manager.PIDFilePath())
	return nil
}

// ===== report =====

type reportCommand struct {
	configSelection
	Message string        `long:"message" short:"m" required:"true" description:"issue description"`
	Input   string        `long:"input" description:"read log lines from this file ('-' for stdin) instead of the configured command"`
	Timeout time.Duration `long:"timeout" default:"2m" description:"give up after this long"`
}

// Execute builds a one-shot report from a dump of the log source
func (c *reportCommand) Execute(args []string) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	cfg.SavingMode = config.SaveOnlyIfNeeded
	cfg.Crash.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	logger := newLogger()
	options := tracker.Options{Config: cfg}
	if c.Input != "" {
		source := logsource.NewChannelSource(0)
		if err := pumpInput(ctx, source, c.Input); err != nil {
			return err
		}
		options.Source = source
	}

	t, err := tracker.New(options, logger)
	if err != nil {
		return err
	}
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer t.Stop(context.Background())

	res := <-t.ReportIssue(ctx, c.Message)
	if res.Report != nil {
		fmt.Printf("report:  %s\n", res.Report.ID)
		if t.Dispatcher() == nil {
			fmt.Printf("archive: %s\n", res.Report.ArchiveFile)
		}
	}
	if res.Err != nil {
		return res.Err
	}
	if t.Dispatcher() != nil {
		fmt.Printf("sent via %s\n", cfg.Upload.Transport)
	}
	return nil
}

func pumpInput(ctx context.Context, source *logsource.ChannelSource, input string) error {
	if input == "-" {
		return source.Pump(ctx, os.Stdin)
	}
	file, err := os.Open(input)
	if err != nil {
		return err
	}
	defer file.Close()
	return source.Pump(ctx, file)
}

func newLogger() logging.StructuredLogger {
	if !global.Verbose {
		return logging.NewNopLogger()
	}
	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = "debug"
	zapConfig.Format = "console"
	zapConfig.Output = "stderr"
	logger, err := logging.NewZapAdapter(zapConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger setup failed: %v\n", err)
		return logging.NewNopLogger()
	}
	return logger.WithComponent("logtrackcli")
}

func main() {
	var parser = flags.NewParser(&global, flags.HelpFlag|flags.PassDoubleDash)
	parser.AddCommand("validate", "Validate a configuration", "Loads, defaults and validates a configuration file or preset.", &validateCommand{})
	parser.AddCommand("paths", "Show the directory layout", "Prints the data directories used for a deployment scenario.", &pathsCommand{})
	parser.AddCommand("report", "Build and send a one-shot report", "Dumps the log source, assembles an issue report and hands it to the configured transport.", &reportCommand{})

	_, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}
