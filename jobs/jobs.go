package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v2"
)

// Jobs is the ordered collection the scheduler owns and the checkpoint
// persists. At most one job exists per node uid.
type Jobs struct {
	Jobs []*Job `yaml:"jobs"`
}

// Add appends j, refusing a second job for the same node or a reused id.
func (js *Jobs) Add(j *Job) error {
	for _, other := range js.Jobs {
		if other.Node.UID == j.Node.UID {
			return fmt.Errorf("node %s already has job %d", j.Node.UID, other.ID)
		}
		if other.ID == j.ID {
			return fmt.Errorf("job id %d already used by node %s", j.ID, other.Node.UID)
		}
	}
	js.Jobs = append(js.Jobs, j)
	return nil
}

func (js *Jobs) ByNode(uid string) *Job {
	for _, j := range js.Jobs {
		if j.Node.UID == uid {
			return j
		}
	}
	return nil
}

func (js *Jobs) ByID(id int) *Job {
	for _, j := range js.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// NextID is one past the largest id in use, 0 for an empty collection.
func (js *Jobs) NextID() int {
	next := 0
	for _, j := range js.Jobs {
		if j.ID >= next {
			next = j.ID + 1
		}
	}
	return next
}

// Active returns the jobs that still need polling under policy.
func (js *Jobs) Active(policy UnknownPolicy) []*Job {
	var out []*Job
	for _, j := range js.Jobs {
		if j.Live(policy) {
			out = append(out, j)
		}
	}
	return out
}

// Unfinished returns the jobs that are neither Terminated nor Failed.
func (js *Jobs) Unfinished() []*Job {
	var out []*Job
	for _, j := range js.Jobs {
		if !j.State.IsDone() {
			out = append(out, j)
		}
	}
	return out
}

// Done returns the Terminated and Failed jobs.
func (js *Jobs) Done() []*Job {
	var out []*Job
	for _, j := range js.Jobs {
		if j.State.IsDone() {
			out = append(out, j)
		}
	}
	return out
}

// CountByState tallies jobs per state.
func (js *Jobs) CountByState() map[State]int {
	counts := map[State]int{}
	for _, j := range js.Jobs {
		counts[j.State]++
	}
	return counts
}

// Save replaces the file at path with a snapshot of the collection. The
// snapshot is written next to path and renamed over it, so a crash leaves
// either the old or the new checkpoint.
func (js *Jobs) Save(path string) error {
	data, err := yaml.Marshal(js)
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "creating checkpoint temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "syncing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "replacing checkpoint %s", path)
	}
	return nil
}

// Load reads a checkpoint. A missing file is an empty collection.
func Load(path string) (*Jobs, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Jobs{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	loaded := &Jobs{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}

	js := &Jobs{}
	for _, j := range loaded.Jobs {
		if j == nil {
			continue
		}
		if err := js.Add(j); err != nil {
			return nil, errors.Wrapf(err, "checkpoint %s", path)
		}
	}
	return js, nil
}
