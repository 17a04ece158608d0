// Package execer runs one local Unix command, or fakes it. fleetbench uses it
// for rsync, md5sum, the script generator and the catalog refresh.
package execer

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

type Command struct {
	Argv []string
	Dir  string

	// Added to the parent environment.
	EnvVars map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Attached to every log line about this command.
	LogFields log.Fields
}

func (c Command) String() string {
	return fmt.Sprintf("%v (dir=%q)", c.Argv, c.Dir)
}

type ProcessState int

const (
	UNKNOWN ProcessState = iota
	RUNNING
	COMPLETE
	FAILED
)

func (s ProcessState) IsDone() bool {
	return s == COMPLETE || s == FAILED
}

func (s ProcessState) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Execer interface {
	Exec(command Command) (Process, error)
}

type Process interface {
	Wait() ProcessStatus
	Abort() ProcessStatus
}

type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Error    string
}

// Succeeded is true when the process ran to completion with exit status 0.
func (st ProcessStatus) Succeeded() bool {
	return st.State == COMPLETE && st.ExitCode == 0
}

// TimeoutError is returned by Run when a command outlives its timeout.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
	Status  ProcessStatus
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v exceeded %v and was aborted: %s", e.Argv, e.Timeout, e.Status.Error)
}

// Run execs command and waits for it. If timeout (when > 0) elapses or ctx is
// done first, the process is aborted and an error returned alongside the
// aborted status.
func Run(ctx context.Context, ex Execer, command Command, timeout time.Duration) (ProcessStatus, error) {
	p, err := ex.Exec(command)
	if err != nil {
		return ProcessStatus{State: FAILED, Error: err.Error()}, err
	}

	doneCh := make(chan ProcessStatus, 1)
	go func() { doneCh <- p.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case st := <-doneCh:
		return st, nil
	case <-timeoutCh:
		st := p.Abort()
		log.WithFields(command.LogFields).WithFields(log.Fields{
			"argv":    command.Argv,
			"timeout": timeout,
		}).Warn("Command timed out, aborted")
		return st, &TimeoutError{Argv: command.Argv, Timeout: timeout, Status: st}
	case <-ctx.Done():
		st := p.Abort()
		return st, ctx.Err()
	}
}
