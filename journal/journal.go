// Package journal keeps an append-only history of job transitions, next to
// the checkpoint which only holds the latest state of each job.
package journal

import (
	"sort"
	"sync"

	"github.com/fleetbench/fleetbench/jobs"
)

// Journal records transitions and reads them back per job.
type Journal interface {
	jobs.Recorder

	// History returns the transitions of jobID in the order they were
	// recorded.
	History(jobID int) ([]jobs.Transition, error)

	// JobIDs lists the jobs that have at least one transition, ascending.
	JobIDs() ([]int, error)

	Close() error
}

// In memory implementation of a Journal, DOES NOT durably persist anything.
type inMemoryJournal struct {
	byJob map[int][]jobs.Transition
	mutex sync.RWMutex
}

func NewInMemory() Journal {
	return &inMemoryJournal{byJob: map[int][]jobs.Transition{}}
}

func (j *inMemoryJournal) Record(t jobs.Transition) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.byJob[t.JobID] = append(j.byJob[t.JobID], t)
	return nil
}

func (j *inMemoryJournal) History(jobID int) ([]jobs.Transition, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	return append([]jobs.Transition(nil), j.byJob[jobID]...), nil
}

func (j *inMemoryJournal) JobIDs() ([]int, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	ids := make([]int, 0, len(j.byJob))
	for id := range j.byJob {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (j *inMemoryJournal) Close() error { return nil }
