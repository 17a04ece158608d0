package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbench/fleetbench/api"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/fleet"
	"github.com/fleetbench/fleetbench/remote"
)

type fakePipeline struct {
	calls []int
	err   error
}

func (p *fakePipeline) Process(ctx context.Context, job *Job) error {
	p.calls = append(p.calls, job.ID)
	return p.err
}

type transitions []Transition

func (ts *transitions) Record(t Transition) error {
	*ts = append(*ts, t)
	return nil
}

func (ts transitions) edges() []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.From.String()+"->"+t.To.String())
	}
	return out
}

type machineFixture struct {
	ctrl     *gomock.Controller
	remote   *remote.MockExecutor
	api      *api.MockStatusClient
	pipeline *fakePipeline
	recorded *transitions
	stat     stats.StatsReceiver
	machine  *Machine
}

func newMachineFixture(t *testing.T, policy UnknownPolicy) *machineFixture {
	ctrl := gomock.NewController(t)
	f := &machineFixture{
		ctrl:     ctrl,
		remote:   remote.NewMockExecutor(ctrl),
		api:      api.NewMockStatusClient(ctrl),
		pipeline: &fakePipeline{},
		recorded: &transitions{},
		stat:     stats.DefaultStatsReceiver(),
	}
	f.machine = NewMachine(MachineConfig{DeployKey: "ssh-ed25519 AAAA bench", UnknownPolicy: policy},
		f.remote, f.api, f.pipeline, f.recorded, f.stat)
	f.machine.SetClock(func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) })
	return f
}

func testJob(lc Lifecycle) *Job {
	node := fleet.Node{UID: "paravance-1", Architecture: fleet.Architecture{NbCores: 16}}
	flavor := ""
	if lc == LifecycleDeploy {
		flavor = "ubuntu2404-nfs"
	}
	paths := Paths{ScriptsDir: "scripts.d", ResultsDir: "results.d"}
	return NewJob(3, node, "rennes", "paravance", flavor, lc, []int{3, 7, 16}, paths, time.Time{})
}

func (f *machineFixture) expectInstall(sess *remote.MockSession) {
	gomock.InOrder(
		sess.EXPECT().Mkdir(gomock.Any(), "scripts.d/rennes/paravance").Return(nil),
		sess.EXPECT().Upload(gomock.Any(), "scripts.d/rennes/paravance/paravance-1.sh", "scripts.d/rennes/paravance/paravance-1.sh").Return(nil),
		sess.EXPECT().MakeExecutable(gomock.Any(), "scripts.d/rennes/paravance/paravance-1.sh").Return(nil),
	)
}

func TestSubmitDefaultLifecycle(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDefault)
	ctx := context.Background()

	sess := remote.NewMockSession(f.ctrl)
	f.remote.EXPECT().Connect(ctx, "rennes").Return(sess, nil)
	f.expectInstall(sess)
	sess.EXPECT().Submit(ctx, "scripts.d/rennes/paravance/paravance-1.sh").Return("1987213", nil)
	sess.EXPECT().Close().Return(nil)

	require.NoError(t, f.machine.Submit(ctx, job))
	assert.Equal(t, Waiting, job.State)
	assert.Equal(t, "1987213", job.SubmissionID)
	assert.Equal(t, []string{"NotSubmitted->Waiting"}, f.recorded.edges())

	err := f.machine.Submit(ctx, job)
	assert.True(t, fberrors.IsProtocol(err))

	ok, msg := stats.StatsOk("jobs", f.stat.Registry(), map[string]stats.Rule{
		"jobs/submits":             {Checker: stats.Int64EqTest, Value: 1},
		"jobs/submitFailures":      {Checker: stats.DoesNotExistTest},
		"jobs/transitions/Waiting": {Checker: stats.Int64EqTest, Value: 1},
	})
	assert.True(t, ok, msg)
}

func TestSubmitFailureMarksFailed(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDefault)
	ctx := context.Background()

	sess := remote.NewMockSession(f.ctrl)
	f.remote.EXPECT().Connect(ctx, "rennes").Return(sess, nil)
	sess.EXPECT().Mkdir(ctx, gomock.Any()).Return(nil)
	sess.EXPECT().Upload(ctx, gomock.Any(), gomock.Any()).Return(nil)
	sess.EXPECT().MakeExecutable(ctx, gomock.Any()).Return(nil)
	sess.EXPECT().Submit(ctx, gomock.Any()).Return("", &remote.SubmitError{Host: "rennes", ExitCode: 1, Output: "no resources"})
	sess.EXPECT().Close().Return(nil)

	require.NoError(t, f.machine.Submit(ctx, job))
	assert.Equal(t, Failed, job.State)
	assert.Empty(t, f.pipeline.calls, "no results exist for a job that never ran")
	assert.False(t, job.Live(UnknownPolicyRecheck))
}

func TestSubmitConnectFailureMarksFailed(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDeploy)
	ctx := context.Background()

	f.remote.EXPECT().Connect(ctx, "rennes").Return(nil, fberrors.NewTransportError("connect", "rennes", fmt.Errorf("refused")))

	require.NoError(t, f.machine.Submit(ctx, job))
	assert.Equal(t, Failed, job.State)
	assert.Equal(t, []string{"NotSubmitted->Failed"}, f.recorded.edges())
}

func TestSubmitDeployLifecycle(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDeploy)
	ctx := context.Background()

	sess := remote.NewMockSession(f.ctrl)
	f.remote.EXPECT().Connect(ctx, "rennes").Return(sess, nil)
	f.expectInstall(sess)
	sess.EXPECT().Close().Return(nil)
	f.api.EXPECT().SubmitSchedulerJob(ctx, "rennes", api.SchedulerJobRequest{
		Properties: "host='paravance-1.rennes'",
		Resources:  "nodes=1,walltime=4:00:00",
		Types:      []string{"deploy"},
		Command:    "sleep infinity",
		Queue:      "default",
	}).Return("77", nil)

	require.NoError(t, f.machine.Submit(ctx, job))
	assert.Equal(t, WaitingToBeDeployed, job.State)
	assert.Equal(t, "77", job.SubmissionID)
}

func TestDefaultLifecyclePolling(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDefault)
	job.State = Waiting
	job.SubmissionID = "12"
	ctx := context.Background()

	for _, status := range []string{"hold", "waiting", "launching", "to_launch", "running", "running", "finishing", "terminated"} {
		f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return(status, nil)
		require.NoError(t, f.machine.Update(ctx, job), status)
	}
	assert.Equal(t, Terminated, job.State)
	assert.Equal(t, []int{3}, f.pipeline.calls)
	assert.Equal(t, []string{"Waiting->Running", "Running->Finishing", "Finishing->Terminated"}, f.recorded.edges(), spew.Sdump(*f.recorded))

	// Done jobs aren't polled.
	require.NoError(t, f.machine.Update(ctx, job))
}

func TestDeployLifecycle(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDeploy)
	job.State = WaitingToBeDeployed
	job.SubmissionID = "77"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "77").Return("waiting", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, WaitingToBeDeployed, job.State, "waiting must not flap back to Waiting")

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "77").Return("running", nil)
	f.api.EXPECT().SubmitDeployment(ctx, "rennes", api.DeploymentRequest{
		Nodes:       []string{"paravance-1.rennes"},
		Environment: "ubuntu2404-nfs",
		Key:         "ssh-ed25519 AAAA bench",
	}).Return("D-1", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Processing, job.State)
	assert.Equal(t, "D-1", job.DeploymentID)

	f.api.EXPECT().DeploymentStatus(ctx, "rennes", "D-1").Return("processing", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Processing, job.State)

	sess := remote.NewMockSession(f.ctrl)
	f.api.EXPECT().DeploymentStatus(ctx, "rennes", "D-1").Return("terminated", nil)
	f.remote.EXPECT().Connect(ctx, "root@paravance-1.rennes").Return(sess, nil)
	f.expectInstall(sess)
	sess.EXPECT().Launch(ctx, "scripts.d/rennes/paravance/paravance-1.sh").Return(nil)
	sess.EXPECT().Close().Return(nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Running, job.State)

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "77").Return("terminated", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Terminated, job.State)
	assert.Equal(t, []int{3}, f.pipeline.calls)

	assert.Equal(t, []string{
		"WaitingToBeDeployed->Running",
		"Running->Processing",
		"Processing->Deployed",
		"Deployed->Running",
		"Running->Terminated",
	}, f.recorded.edges())
}

func TestDeploymentFailure(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDeploy)
	job.State = Processing
	job.SubmissionID = "77"
	job.DeploymentID = "D-1"
	ctx := context.Background()

	sess := remote.NewMockSession(f.ctrl)
	f.api.EXPECT().DeploymentStatus(ctx, "rennes", "D-1").Return("canceled", nil)
	f.remote.EXPECT().Connect(ctx, "rennes").Return(sess, nil)
	sess.EXPECT().Download(ctx, "OAR.77.stdout", "results.d/rennes/paravance/paravance-1/OAR.77.stdout").Return(nil)
	sess.EXPECT().Download(ctx, "OAR.77.stderr", "results.d/rennes/paravance/paravance-1/OAR.77.stderr").Return(fmt.Errorf("missing"))
	sess.EXPECT().Close().Return(nil)

	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Failed, job.State)
	assert.Empty(t, f.pipeline.calls)
}

func TestLaunchFailure(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDeploy)
	job.State = Processing
	job.DeploymentID = "D-1"
	ctx := context.Background()

	f.api.EXPECT().DeploymentStatus(ctx, "rennes", "D-1").Return("terminated", nil)
	f.remote.EXPECT().Connect(ctx, "root@paravance-1.rennes").Return(nil, fberrors.NewTransportError("connect", "paravance-1.rennes", fmt.Errorf("no route")))

	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Failed, job.State)
	assert.Empty(t, f.pipeline.calls)
	assert.Equal(t, []string{"Processing->Deployed", "Deployed->Failed"}, f.recorded.edges())
}

func TestPollErrors(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	job := testJob(LifecycleDefault)
	job.State = Running
	job.SubmissionID = "12"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("", fberrors.NewTransportError("GET", "jobs/12", fmt.Errorf("timeout")))
	err := f.machine.Update(ctx, job)
	assert.True(t, fberrors.IsTransport(err))
	assert.Equal(t, Running, job.State)

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("paused", nil)
	err = f.machine.Update(ctx, job)
	assert.True(t, fberrors.IsProtocol(err))
	assert.Equal(t, Running, job.State)

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("waiting", nil)
	err = f.machine.Update(ctx, job)
	var illegal *fberrors.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "Running", illegal.From)
	assert.Equal(t, "Waiting", illegal.To)
	assert.Equal(t, Running, job.State)
	assert.Empty(t, *f.recorded)

	ok, msg := stats.StatsOk("jobs", f.stat.Registry(), map[string]stats.Rule{
		"jobs/polls":      {Checker: stats.Int64EqTest, Value: 3},
		"jobs/pollErrors": {Checker: stats.Int64EqTest, Value: 1},
	})
	assert.True(t, ok, msg)
}

func TestIntegrityFailureCommitsUnknownState(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	f.pipeline.err = &fberrors.IntegrityError{JobID: 3, Stage: "verify", Err: fmt.Errorf("checksum mismatch")}
	job := testJob(LifecycleDefault)
	job.State = Running
	job.SubmissionID = "12"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("terminated", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, UnknownState, job.State)
	assert.False(t, job.Live(UnknownPolicyTerminal))

	// Terminal policy: never polled again.
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, []int{3}, f.pipeline.calls)
}

func TestRecheckPolicy(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyRecheck)
	f.pipeline.err = &fberrors.IntegrityError{JobID: 3, Stage: "retrieve", Err: fmt.Errorf("rsync exited 23")}
	job := testJob(LifecycleDefault)
	job.State = Finishing
	job.SubmissionID = "12"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("terminated", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, UnknownState, job.State)
	assert.True(t, job.Live(UnknownPolicyRecheck))

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("running", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, UnknownState, job.State)

	f.pipeline.err = nil
	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("terminated", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Terminated, job.State)
	assert.Equal(t, []string{"Finishing->UnknownState", "UnknownState->Terminated"}, f.recorded.edges())
}

func TestRecheckGivesUp(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyRecheck)
	f.pipeline.err = &fberrors.IntegrityError{JobID: 3, Stage: "verify", Err: fmt.Errorf("checksum mismatch")}
	job := testJob(LifecycleDefault)
	job.State = Running
	job.SubmissionID = "12"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("terminated", nil).Times(MaxRechecks)
	for i := 0; i < MaxRechecks+2; i++ {
		require.NoError(t, f.machine.Update(ctx, job))
	}
	assert.Equal(t, UnknownState, job.State)
	assert.Equal(t, MaxRechecks, job.Rechecks)
	assert.False(t, job.Live(UnknownPolicyRecheck))
}

func TestAggregationErrorIsReturnedAfterCommit(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	f.pipeline.err = &fberrors.AggregationError{Failed: 1, Total: 4, Err: fmt.Errorf("bad row")}
	job := testJob(LifecycleDefault)
	job.State = Running
	job.SubmissionID = "12"
	ctx := context.Background()

	sess := remote.NewMockSession(f.ctrl)
	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("error", nil)
	f.remote.EXPECT().Connect(ctx, "rennes").Return(sess, nil)
	sess.EXPECT().Download(ctx, gomock.Any(), gomock.Any()).Return(nil).Times(2)
	sess.EXPECT().Close().Return(nil)

	err := f.machine.Update(ctx, job)
	var aggErr *fberrors.AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, Failed, job.State)
}

func TestRecorderFailureDoesNotBlockTransition(t *testing.T) {
	f := newMachineFixture(t, UnknownPolicyTerminal)
	var seen []State
	f.machine.recorder = Recorders{
		RecorderFunc(func(Transition) error { return fmt.Errorf("journal closed") }),
		RecorderFunc(func(t Transition) error { seen = append(seen, t.To); return nil }),
	}
	job := testJob(LifecycleDefault)
	job.State = Waiting
	job.SubmissionID = "12"
	ctx := context.Background()

	f.api.EXPECT().SchedulerStatus(ctx, "rennes", "12").Return("running", nil)
	require.NoError(t, f.machine.Update(ctx, job))
	assert.Equal(t, Running, job.State)
	assert.Equal(t, []State{Running}, seen)

	ok, msg := stats.StatsOk("jobs", f.stat.Registry(), map[string]stats.Rule{
		"jobs/recordErrors": {Checker: stats.Int64EqTest, Value: 1},
	})
	assert.True(t, ok, msg)
}
