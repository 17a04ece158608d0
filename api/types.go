package api

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Scheduler job states as reported by the status endpoint.
const (
	StatusWaiting    = "waiting"
	StatusHold       = "hold"
	StatusLaunching  = "launching"
	StatusToLaunch   = "to_launch"
	StatusRunning    = "running"
	StatusFinishing  = "finishing"
	StatusTerminated = "terminated"
	StatusError      = "error"
)

// SchedulerStatuses is every state string the scheduler is known to report.
var SchedulerStatuses = []string{
	StatusWaiting, StatusHold, StatusLaunching, StatusToLaunch,
	StatusRunning, StatusFinishing, StatusTerminated, StatusError,
}

// Deployment statuses. Anything else reported by the deployer is a failure.
const (
	DeployProcessing = "processing"
	DeployTerminated = "terminated"
	DeployError      = "error"
	DeployCanceled   = "canceled"
)

var DeploymentStatuses = []string{DeployProcessing, DeployTerminated, DeployError, DeployCanceled}

// SchedulerJobRequest reserves resources on the batch scheduler.
type SchedulerJobRequest struct {
	Properties string   `json:"properties,omitempty"`
	Resources  string   `json:"resources"`
	Types      []string `json:"types,omitempty"`
	Command    string   `json:"command"`
	Queue      string   `json:"queue,omitempty"`
}

// DeploymentRequest reimages nodes with environment.
type DeploymentRequest struct {
	Nodes       []string `json:"nodes"`
	Environment string   `json:"environment"`
	Key         string   `json:"key"`
}

// ID is an identifier the remote side hands back either as a number or as a
// string; it is kept as text.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return fmt.Errorf("id %s is not an integer", n)
		}
		*id = ID(n.String())
		return nil
	}
	return fmt.Errorf("id: expected a string or a number, got %s", data)
}

type submissionResponse struct {
	UID ID `json:"uid"`
}

type jobStatusResponse struct {
	UID   ID     `json:"uid"`
	State string `json:"state"`
}

type deploymentStatusResponse struct {
	UID    ID     `json:"uid"`
	Status string `json:"status"`
}
