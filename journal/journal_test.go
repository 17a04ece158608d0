package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbench/fleetbench/jobs"
)

func transition(jobID int, from, to jobs.State, minute int) jobs.Transition {
	return jobs.Transition{
		JobID:  jobID,
		Node:   "paravance-1",
		Site:   "rennes",
		From:   from,
		To:     to,
		Reason: "scheduler " + to.String(),
		At:     time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC),
	}
}

func exerciseJournal(t *testing.T, j Journal) {
	require.NoError(t, j.Record(transition(12, jobs.NotSubmitted, jobs.Waiting, 0)))
	require.NoError(t, j.Record(transition(3, jobs.NotSubmitted, jobs.Failed, 1)))
	require.NoError(t, j.Record(transition(12, jobs.Waiting, jobs.Running, 2)))
	require.NoError(t, j.Record(transition(12, jobs.Running, jobs.Terminated, 3)))

	h, err := j.History(12)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, jobs.Waiting, h[0].To)
	assert.Equal(t, jobs.Running, h[1].To)
	assert.Equal(t, jobs.Terminated, h[2].To)
	assert.True(t, h[2].At.Equal(time.Date(2024, 3, 1, 10, 3, 0, 0, time.UTC)))
	assert.Equal(t, "scheduler Terminated", h[2].Reason)

	h, err = j.History(99)
	require.NoError(t, err)
	assert.Empty(t, h)

	ids, err := j.JobIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12}, ids)
}

func TestInMemoryJournal(t *testing.T) {
	j := NewInMemory()
	defer j.Close()
	exerciseJournal(t, j)
}

func TestBadgerJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenBadger(dir)
	require.NoError(t, err)
	exerciseJournal(t, j)
	require.NoError(t, j.Close())

	// History survives a reopen, and new entries sort after old ones.
	j, err = OpenBadger(dir)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Record(transition(3, jobs.Failed, jobs.Failed, 9)))
	h, err := j.History(3)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 9, h[1].At.Minute())
}

func TestJournalAsRecorder(t *testing.T) {
	var rec jobs.Recorder = jobs.Recorders{NewInMemory()}
	assert.NoError(t, rec.Record(transition(1, jobs.NotSubmitted, jobs.Waiting, 0)))
}
