package execers

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetbench/fleetbench/runner/execer"
)

func NewSimExecer() *SimExecer {
	return &SimExecer{resumeCh: make(chan struct{})}
}

// SimExecer execs by simulating running argv.
// each arg in command.argv is simulated in order.
// valid args are:
// complete <exitcode int>
//   complete with exitcode
// pause
//   pause until SimExecer.Resume() is called or the process is aborted
// sleep <millis int>
//   sleep for millis milliseconds
// stdout <message>
//   put <message> in stdout
// stderr <message>
//   put <message> in stderr
// cat
//   copy stdin to stdout
// Args starting with '#' are ignored.
type SimExecer struct {
	resumeCh chan struct{}
}

func (e *SimExecer) Exec(command execer.Command) (execer.Process, error) {
	steps, err := e.parse(command.Argv)
	if err != nil {
		return nil, err
	}
	r := &simProcess{stdin: command.Stdin, stdout: command.Stdout, stderr: command.Stderr}
	r.done = sync.NewCond(&r.mu)
	r.status.State = execer.RUNNING
	go r.run(steps)
	return r, nil
}

func (e *SimExecer) Resume() {
	e.resumeCh <- struct{}{}
}

func (e *SimExecer) parse(argv []string) (steps []simStep, err error) {
	for _, arg := range argv {
		s, err := e.parseArg(arg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func (e *SimExecer) parseArg(arg string) (simStep, error) {
	if strings.HasPrefix(arg, "#") {
		return &noopStep{}, nil
	}
	splits := strings.SplitN(arg, " ", 2)
	opcode, rest := splits[0], ""
	if len(splits) == 2 {
		rest = splits[1]
	}
	switch opcode {
	case "complete":
		i, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("error parsing <n> in complete <n>: %v", err)
		}
		return &completeStep{i}, nil
	case "pause":
		return &pauseStep{e.resumeCh}, nil
	case "sleep":
		i, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("error parsing <n> in sleep <n>: %v", err)
		}
		return &sleepStep{time.Duration(i) * time.Millisecond}, nil
	case "stdout":
		return &writeStep{rest, false}, nil
	case "stderr":
		return &writeStep{rest, true}, nil
	case "cat":
		return &catStep{}, nil
	}
	return nil, fmt.Errorf("can't simulate arg: %v", arg)
}

type simProcess struct {
	status execer.ProcessStatus
	done   *sync.Cond
	mu     sync.Mutex

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (p *simProcess) Wait() execer.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.status.State.IsDone() {
		p.done.Wait()
	}
	return p.status
}

func (p *simProcess) Abort() execer.ProcessStatus {
	p.setStatus(execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "Aborted"})
	return p.Wait()
}

func (p *simProcess) setStatus(status execer.ProcessStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State.IsDone() {
		return
	}
	p.status = status
	if p.status.State.IsDone() {
		p.done.Broadcast()
	}
}

func (p *simProcess) getStatus() execer.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *simProcess) run(steps []simStep) {
	for _, step := range steps {
		status := p.getStatus()
		if status.State.IsDone() {
			return
		}
		p.setStatus(step.run(status, p))
	}
	// Running off the end of argv is a clean exit.
	st := p.getStatus()
	st.State = execer.COMPLETE
	p.setStatus(st)
}

type simStep interface {
	run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus
}

type completeStep struct {
	exitCode int
}

func (s *completeStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	status.ExitCode = s.exitCode
	status.State = execer.COMPLETE
	return status
}

type pauseStep struct {
	ch chan struct{}
}

func (s *pauseStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	abortCh := make(chan struct{})
	go func() {
		p.Wait()
		close(abortCh)
	}()
	select {
	case <-abortCh:
	case <-s.ch:
	}
	return status
}

type sleepStep struct {
	duration time.Duration
}

func (s *sleepStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	time.Sleep(s.duration)
	return status
}

type writeStep struct {
	output   string
	toStderr bool
}

func (s *writeStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	w := p.stdout
	if s.toStderr {
		w = p.stderr
	}
	if w != nil {
		io.WriteString(w, s.output)
	}
	return status
}

type catStep struct{}

func (s *catStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	if p.stdin != nil && p.stdout != nil {
		io.Copy(p.stdout, p.stdin)
	}
	return status
}

type noopStep struct{}

func (s *noopStep) run(status execer.ProcessStatus, p *simProcess) execer.ProcessStatus {
	return status
}
