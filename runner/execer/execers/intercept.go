package execers

import (
	"sync"

	"github.com/fleetbench/fleetbench/runner/execer"
)

// InterceptExecer is a Composite Execer. Each command is recorded, then passed
// to Script, which returns the SimExecer argv to run in its place. A nil argv
// sends the command to Default instead; without a Default it completes with 0.
type InterceptExecer struct {
	Script  func(execer.Command) []string
	Sim     *SimExecer
	Default execer.Execer

	mu       sync.Mutex
	commands []execer.Command
}

func NewInterceptExecer(script func(execer.Command) []string) *InterceptExecer {
	return &InterceptExecer{Script: script, Sim: NewSimExecer()}
}

func (e *InterceptExecer) Exec(command execer.Command) (execer.Process, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.mu.Unlock()

	argv := e.Script(command)
	if argv == nil && e.Default != nil {
		return e.Default.Exec(command)
	}
	if argv == nil {
		argv = []string{"complete 0"}
	}
	sim := command
	sim.Argv = argv
	return e.Sim.Exec(sim)
}

// Commands returns the commands seen so far, in order.
func (e *InterceptExecer) Commands() []execer.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]execer.Command(nil), e.commands...)
}
