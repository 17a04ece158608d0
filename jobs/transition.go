package jobs

import (
	"time"

	"go.uber.org/multierr"
)

// Transition is one committed state change of a job.
type Transition struct {
	JobID  int       `json:"job_id"`
	Node   string    `json:"node"`
	Site   string    `json:"site"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder is told about every committed transition.
type Recorder interface {
	Record(Transition) error
}

// Recorders fans a transition out to each recorder in turn. Every recorder
// is called even when an earlier one fails.
type Recorders []Recorder

func (rs Recorders) Record(t Transition) error {
	var err error
	for _, r := range rs {
		if r != nil {
			err = multierr.Append(err, r.Record(t))
		}
	}
	return err
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Transition) error

func (f RecorderFunc) Record(t Transition) error { return f(t) }
