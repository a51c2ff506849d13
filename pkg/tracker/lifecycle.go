package tracker

import (
	"os"
	"os/exec"

	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

// ProcessLifecycle closes or relaunches the current process
type ProcessLifecycle struct {
	logger logging.Logger
	exit   func(code int)
}

func NewProcessLifecycle(logger logging.Logger) *ProcessLifecycle {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ProcessLifecycle{logger: logger, exit: os.Exit}
}

// Close exits with status 2, as an unrecovered panic would
func (p *ProcessLifecycle) Close() {
	p.exit(2)
}

// Relaunch starts a copy of the current process with the same arguments and
// environment, then exits
func (p *ProcessLifecycle) Relaunch() {
	executable, err := os.Executable()
	if err != nil {
		p.logger.Errorf("Cannot resolve executable for relaunch, error: %v", err)
		p.exit(2)
		return
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		p.logger.Errorf("Relaunch failed, executable: %s, error: %v", executable, err)
		p.exit(2)
		return
	}

	p.logger.Infof("Relaunched, executable: %s, pid: %d", executable, cmd.Process.Pid)
	if err := cmd.Process.Release(); err != nil {
		p.logger.Warnf("Failed to release relaunched process, error: %v", err)
	}
	p.exit(0)
}
