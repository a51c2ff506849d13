package logsource

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/logging"
	"github.com/core-tools/hsu-logtrack/pkg/record"
)

// DefaultCommand is the log tool used when none is configured
const DefaultCommand = "logcat"

// DefaultMaxDumpLines bounds the snapshot returned by Dump
const DefaultMaxDumpLines = 10000

// CommandSource runs a logcat compatible command and reads its stdout
type CommandSource struct {
	command      string
	baseArgs     []string
	maxDumpLines int
	logger       logging.Logger
}

func NewCommandSource(command string, baseArgs []string, maxDumpLines int, logger logging.Logger) *CommandSource {
	if command == "" {
		command = DefaultCommand
	}
	if maxDumpLines <= 0 {
		maxDumpLines = DefaultMaxDumpLines
	}
	return &CommandSource{
		command:      command,
		baseArgs:     append([]string(nil), baseArgs...),
		maxDumpLines: maxDumpLines,
		logger:       logger,
	}
}

func (s *CommandSource) SupportsPushDown() bool {
	return true
}

// Args builds the command line: "-v threadtime", then "-d" for dumps, then
// "-s tag:L ..." when tags are given or "*:L" above verbose.
func (s *CommandSource) Args(opts Options, dump bool) []string {
	args := append([]string(nil), s.baseArgs...)
	args = append(args, "-v", "threadtime")
	if dump {
		args = append(args, "-d")
	}

	level := opts.MinLevel
	if level == 0 {
		level = record.LevelVerbose
	}
	switch {
	case len(opts.Tags) > 0:
		args = append(args, "-s")
		for _, tag := range opts.Tags {
			args = append(args, fmt.Sprintf("%s:%s", tag, level.Symbol()))
		}
	case level > record.LevelVerbose:
		args = append(args, "*:"+level.Symbol())
	}
	return args
}

func (s *CommandSource) Open(ctx context.Context, opts Options) (LineReader, error) {
	ctx, cancel := context.WithCancel(ctx)
	args := s.Args(opts, false)
	cmd := exec.CommandContext(ctx, s.command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.NewIOError("failed to open log command output", err).WithContext("command", s.command)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.NewIOError("failed to start log command", err).WithContext("command", s.command)
	}

	s.logger.Debugf("Log command started, command: %s, args: %s, pid: %d", s.command, strings.Join(args, " "), cmd.Process.Pid)

	return newStreamReader(ctx, stdout, func() error {
		cancel()
		err := cmd.Wait()
		if ctx.Err() != nil {
			// Killed by us
			return nil
		}
		return err
	}), nil
}

func (s *CommandSource) Dump(ctx context.Context, opts Options) ([]string, error) {
	output, err := exec.CommandContext(ctx, s.command, s.Args(opts, true)...).Output()
	if err != nil {
		return nil, errors.NewIOError("log dump failed", err).WithContext("command", s.command)
	}

	lines := strings.Split(string(bytes.TrimRight(output, "\r\n")), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > s.maxDumpLines {
		lines = lines[len(lines)-s.maxDumpLines:]
	}
	return lines, nil
}

func (s *CommandSource) Clear(ctx context.Context) error {
	args := append(append([]string(nil), s.baseArgs...), "-c")
	if err := exec.CommandContext(ctx, s.command, args...).Run(); err != nil {
		return errors.NewIOError("log clear failed", err).WithContext("command", s.command)
	}
	return nil
}
