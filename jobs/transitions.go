package jobs

import (
	fberrors "github.com/fleetbench/fleetbench/common/errors"
)

// Progress edges per lifecycle. Edges into Terminated, Failed and
// UnknownState are added by edges() for every live state.
var progressEdges = map[Lifecycle]map[State][]State{
	LifecycleDefault: {
		NotSubmitted: {Waiting},
		Waiting:      {Running, Finishing},
		Running:      {Finishing},
	},
	LifecycleDeploy: {
		NotSubmitted:        {WaitingToBeDeployed},
		WaitingToBeDeployed: {Running},
		// Running is entered twice: transiently while the deployment is
		// submitted, and again once the script is launched.
		Running:    {Processing, Finishing},
		Processing: {Deployed},
		Deployed:   {Running},
	},
}

// liveStates lists the states of each lifecycle that are neither done nor
// unknown.
var liveStates = map[Lifecycle][]State{
	LifecycleDefault: {NotSubmitted, Waiting, Running, Finishing},
	LifecycleDeploy:  {NotSubmitted, WaitingToBeDeployed, Processing, Deployed, Running, Finishing},
}

// Edges returns the full transition table of lc under policy.
func Edges(lc Lifecycle, policy UnknownPolicy) map[State][]State {
	progress, ok := progressEdges[lc]
	if !ok {
		return nil
	}
	table := map[State][]State{}
	for _, s := range liveStates[lc] {
		out := append([]State(nil), progress[s]...)
		out = append(out, Terminated, Failed)
		if s != NotSubmitted {
			out = append(out, UnknownState)
		}
		table[s] = out
	}
	if policy == UnknownPolicyRecheck {
		table[UnknownState] = []State{Terminated, Failed}
	}
	return table
}

// Allowed reports whether from -> to is an edge of lc under policy.
func Allowed(lc Lifecycle, policy UnknownPolicy, from, to State) bool {
	for _, s := range Edges(lc, policy)[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an IllegalTransitionError when from -> to is not
// an edge.
func CheckTransition(lc Lifecycle, policy UnknownPolicy, from, to State) error {
	if Allowed(lc, policy, from, to) {
		return nil
	}
	return &fberrors.IllegalTransitionError{Lifecycle: string(lc), From: from.String(), To: to.String()}
}
