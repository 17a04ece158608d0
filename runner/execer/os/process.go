package os

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fleetbench/fleetbench/runner/execer"
)

// Implements runner/execer.Process
type process struct {
	cmd          *exec.Cmd
	doneCh       chan struct{}
	abortTimeout time.Duration
	fields       log.Fields

	mutex   sync.Mutex
	result  execer.ProcessStatus
	aborted bool
}

// reap is the only caller of cmd.Wait; it records the result and closes doneCh.
func (p *process) reap() {
	err := p.cmd.Wait()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer close(p.doneCh)

	if p.aborted {
		p.result = execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "Aborted"}
		return
	}
	if err == nil {
		p.result = execer.ProcessStatus{State: execer.COMPLETE}
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				p.result = execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "Killed by " + status.Signal().String()}
				return
			}
			p.result = execer.ProcessStatus{State: execer.COMPLETE, ExitCode: status.ExitStatus()}
			return
		}
		p.result = execer.ProcessStatus{State: execer.FAILED, Error: "Could not find WaitStatus from exiterr.Sys()"}
		return
	}
	p.result = execer.ProcessStatus{State: execer.FAILED, Error: err.Error()}
}

// Wait for the process to finish. A nonzero exit is COMPLETE with its exit
// code; FAILED means the exit code could not be determined or the process
// was killed.
func (p *process) Wait() execer.ProcessStatus {
	<-p.doneCh
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.result
}

// Abort sends SIGTERM to the process group and escalates to SIGKILL when the
// group has not exited after abortTimeout.
func (p *process) Abort() execer.ProcessStatus {
	p.mutex.Lock()
	select {
	case <-p.doneCh:
		p.mutex.Unlock()
		return p.Wait()
	default:
	}
	p.aborted = true
	p.mutex.Unlock()

	pgid := p.cmd.Process.Pid
	fields := log.Fields{"pgid": pgid, "argv": p.cmd.Args}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		log.WithFields(p.fields).WithFields(fields).WithError(err).Error("Error aborting process group via SIGTERM")
	} else {
		log.WithFields(p.fields).WithFields(fields).Info("Aborting process group via SIGTERM")
	}

	select {
	case <-p.doneCh:
	case <-time.After(p.abortTimeout):
		log.WithFields(p.fields).WithFields(fields).Errorf("%v timeout exceeded, killing process group", p.abortTimeout)
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
			log.WithFields(p.fields).WithFields(fields).WithError(err).Error("Error cleaning up pgid")
		}
		<-p.doneCh
	}
	return p.Wait()
}
