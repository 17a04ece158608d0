package os

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/runner/execer"
)

// Time a process gets between SIGTERM and SIGKILL on Abort.
const DefaultAbortTimeout = 10 * time.Second

// Implements runner/execer.Execer
type osExecer struct {
	abortTimeout time.Duration
}

func NewExecer() execer.Execer {
	return &osExecer{abortTimeout: DefaultAbortTimeout}
}

// NewExecerWithAbortTimeout is NewExecer with a custom SIGTERM grace period.
func NewExecerWithAbortTimeout(d time.Duration) execer.Execer {
	return &osExecer{abortTimeout: d}
}

// Exec starts command in its own process group so that Abort reaches every
// child it spawns (rsync forks ssh, for one).
func (e *osExecer) Exec(command execer.Command) (execer.Process, error) {
	if len(command.Argv) == 0 {
		return nil, fmt.Errorf("No command specified.")
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = os.Environ()
	for k, v := range command.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = command.Stdin
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Output copying must not hang on a grandchild that inherited our pipes.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.WithFields(command.LogFields).WithFields(log.Fields{
		"pid":  cmd.Process.Pid,
		"argv": command.Argv,
	}).Debug("Started process")

	p := &process{
		cmd:          cmd,
		doneCh:       make(chan struct{}),
		abortTimeout: e.abortTimeout,
		fields:       command.LogFields,
	}
	go p.reap()
	return p, nil
}
