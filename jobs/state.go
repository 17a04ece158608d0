package jobs

import (
	"fmt"
)

// State is where a Job stands in its remote lifecycle.
type State int

const (
	// Initial state, nothing exists remotely yet.
	NotSubmitted State = iota
	// Queued on the batch scheduler (default lifecycle).
	Waiting
	// Node reserved, waiting for the reservation to start (deploy lifecycle).
	WaitingToBeDeployed
	// The deployer is reimaging the node.
	Processing
	// The node runs the requested image.
	Deployed
	// The benchmark script runs.
	Running
	// The scheduler is cleaning up after the script.
	Finishing

	// States below are end states.

	Terminated
	Failed
	// Results could not be retrieved or verified. Terminal unless the
	// recheck policy is in effect.
	UnknownState
)

var stateNames = []string{
	NotSubmitted:        "NotSubmitted",
	Waiting:             "Waiting",
	WaitingToBeDeployed: "WaitingToBeDeployed",
	Processing:          "Processing",
	Deployed:            "Deployed",
	Running:             "Running",
	Finishing:           "Finishing",
	Terminated:          "Terminated",
	Failed:              "Failed",
	UnknownState:        "UnknownState",
}

// AllStates lists every state in declaration order.
var AllStates = []State{
	NotSubmitted, Waiting, WaitingToBeDeployed, Processing, Deployed,
	Running, Finishing, Terminated, Failed, UnknownState,
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", name)
}

// IsDone reports whether the scheduler is finished with the job:
// Terminated or Failed.
func (s State) IsDone() bool {
	return s == Terminated || s == Failed
}

// IsTerminal reports whether s has no outgoing edge under policy.
func (s State) IsTerminal(policy UnknownPolicy) bool {
	if s == UnknownState {
		return policy != UnknownPolicyRecheck
	}
	return s.IsDone()
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s State) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *State) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

// Lifecycle selects the set of legal edges for a job. It is fixed at
// creation from the requested OS flavor.
type Lifecycle string

const (
	LifecycleDefault Lifecycle = "default"
	LifecycleDeploy  Lifecycle = "deploy"
)

// LifecycleFor returns the deploy lifecycle when flavor asks for an image
// other than the default one.
func LifecycleFor(flavor, defaultFlavor string) Lifecycle {
	if flavor == "" || flavor == defaultFlavor {
		return LifecycleDefault
	}
	return LifecycleDeploy
}

// UnknownPolicy decides whether UnknownState jobs are polled again.
type UnknownPolicy string

const (
	// UnknownState is final, like Terminated and Failed.
	UnknownPolicyTerminal UnknownPolicy = "terminal"
	// UnknownState jobs stay live and are polled again, up to MaxRechecks
	// result pipeline attempts.
	UnknownPolicyRecheck UnknownPolicy = "recheck"
)

// MaxRechecks bounds how often a job under the recheck policy can fall back
// into UnknownState before it stops being polled.
const MaxRechecks = 3

func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch p := UnknownPolicy(s); p {
	case UnknownPolicyTerminal, UnknownPolicyRecheck:
		return p, nil
	case "":
		return UnknownPolicyTerminal, nil
	}
	return "", fmt.Errorf("unknown policy %q, expected %q or %q", s, UnknownPolicyTerminal, UnknownPolicyRecheck)
}
