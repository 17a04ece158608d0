package jobs

import (
	"fmt"

	"github.com/fleetbench/fleetbench/api"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
)

// Observation is what a remote status string says about a job. Keep means
// the status carries no news and the current state stands.
type Observation struct {
	State State
	Keep  bool
}

var schedulerStatusTable = map[string]Observation{
	api.StatusWaiting:    {State: Waiting},
	api.StatusHold:       {State: Waiting},
	api.StatusLaunching:  {Keep: true},
	api.StatusToLaunch:   {Keep: true},
	api.StatusRunning:    {State: Running},
	api.StatusFinishing:  {State: Finishing},
	api.StatusTerminated: {State: Terminated},
	api.StatusError:      {State: Failed},
}

// Canonical status for each state the scheduler can report.
var schedulerStatusOf = map[State]string{
	Waiting:    api.StatusWaiting,
	Running:    api.StatusRunning,
	Finishing:  api.StatusFinishing,
	Terminated: api.StatusTerminated,
	Failed:     api.StatusError,
}

var deploymentStatusTable = map[string]State{
	api.DeployProcessing: Processing,
	api.DeployTerminated: Deployed,
	api.DeployError:      Failed,
	api.DeployCanceled:   Failed,
}

// ParseSchedulerStatus maps a scheduler status string. Anything outside the
// known set is a ProtocolError.
func ParseSchedulerStatus(status string) (Observation, error) {
	obs, ok := schedulerStatusTable[status]
	if !ok {
		return Observation{}, fberrors.NewProtocolError("scheduler", "unrecognized job status %q", status)
	}
	return obs, nil
}

// SchedulerStatusOf is the inverse of ParseSchedulerStatus for states the
// scheduler reports.
func SchedulerStatusOf(s State) (string, bool) {
	status, ok := schedulerStatusOf[s]
	return status, ok
}

// ParseDeploymentStatus maps a deployer status string. Only processing and
// terminated are progress, anything else means the deployment failed.
func ParseDeploymentStatus(status string) State {
	if s, ok := deploymentStatusTable[status]; ok {
		return s
	}
	return Failed
}

// ValidateStatusTables checks the lookup tables against the full set of
// known remote status strings.
func ValidateStatusTables() error {
	for _, status := range api.SchedulerStatuses {
		if _, ok := schedulerStatusTable[status]; !ok {
			return fmt.Errorf("scheduler status %q has no mapping", status)
		}
	}
	if len(schedulerStatusTable) != len(api.SchedulerStatuses) {
		return fmt.Errorf("scheduler status table has %d entries, %d statuses are known",
			len(schedulerStatusTable), len(api.SchedulerStatuses))
	}
	for state, status := range schedulerStatusOf {
		obs, err := ParseSchedulerStatus(status)
		if err != nil {
			return err
		}
		if obs.Keep || obs.State != state {
			return fmt.Errorf("status %q of %s maps back to %+v", status, state, obs)
		}
	}
	for _, status := range api.DeploymentStatuses {
		if _, ok := deploymentStatusTable[status]; !ok {
			return fmt.Errorf("deployment status %q has no mapping", status)
		}
	}
	return nil
}
