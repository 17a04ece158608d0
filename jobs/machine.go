package jobs

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/api"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/remote"
)

// ResultPipeline retrieves, verifies, extracts and aggregates the results of
// a job whose script has ended. An IntegrityError leaves the job in
// UnknownState.
type ResultPipeline interface {
	Process(ctx context.Context, job *Job) error
}

const (
	DefaultSiteHostFormat = "{site}"
	DefaultNodeHostFormat = "{node}.{site}"
	DefaultDeployUser     = "root"
	DefaultWalltime       = "4:00:00"
	DefaultQueue          = "default"
	// Keeps the deploy reservation open while the script runs.
	DeployHoldCommand = "sleep infinity"
)

type MachineConfig struct {
	// Host patterns, with {site} and {node} substituted.
	SiteHostFormat string
	NodeHostFormat string
	// Login on freshly deployed nodes.
	DeployUser string
	// Public key text installed by the deployer.
	DeployKey     string
	Walltime      string
	Queue         string
	UnknownPolicy UnknownPolicy
}

// Machine advances jobs through their lifecycle. It runs the action of an
// edge exactly once, when the edge is taken, and tells the recorder about
// every committed transition.
type Machine struct {
	cfg      MachineConfig
	remote   remote.Executor
	api      api.StatusClient
	pipeline ResultPipeline
	recorder Recorder
	stat     stats.StatsReceiver
	now      func() time.Time
}

func NewMachine(
	cfg MachineConfig,
	ex remote.Executor,
	client api.StatusClient,
	pipeline ResultPipeline,
	recorder Recorder,
	stat stats.StatsReceiver,
) *Machine {
	if cfg.SiteHostFormat == "" {
		cfg.SiteHostFormat = DefaultSiteHostFormat
	}
	if cfg.NodeHostFormat == "" {
		cfg.NodeHostFormat = DefaultNodeHostFormat
	}
	if cfg.DeployUser == "" {
		cfg.DeployUser = DefaultDeployUser
	}
	if cfg.Walltime == "" {
		cfg.Walltime = DefaultWalltime
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.UnknownPolicy == "" {
		cfg.UnknownPolicy = UnknownPolicyTerminal
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Machine{
		cfg:      cfg,
		remote:   ex,
		api:      client,
		pipeline: pipeline,
		recorder: recorder,
		stat:     stat.Scope("jobs"),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func (m *Machine) Policy() UnknownPolicy { return m.cfg.UnknownPolicy }

func (m *Machine) SiteHost(site string) string {
	return expandHost(m.cfg.SiteHostFormat, site, "")
}

func (m *Machine) NodeHost(job *Job) string {
	return expandHost(m.cfg.NodeHostFormat, job.Site, job.Node.UID)
}

func expandHost(format, site, node string) string {
	return strings.NewReplacer("{site}", site, "{node}", node).Replace(format)
}

func jobFields(job *Job) log.Fields {
	return log.Fields{
		"jobID": job.ID,
		"node":  job.Node.UID,
		"site":  job.Site,
		"state": job.State,
	}
}

// Submit uploads the job's script and submits it. Any failure moves the job
// to Failed and is not returned: the job is simply not resubmitted. The
// returned error is reserved for jobs that are not NotSubmitted.
func (m *Machine) Submit(ctx context.Context, job *Job) error {
	if job.State != NotSubmitted {
		return fberrors.NewProtocolError("submit", "job %d is already %s", job.ID, job.State)
	}
	m.stat.Counter(stats.JobSubmitCounter).Inc(1)

	next, err := m.submit(ctx, job)
	if err != nil {
		m.stat.Counter(stats.JobSubmitFailureCounter).Inc(1)
		log.WithFields(jobFields(job)).WithError(err).Error("Submission failed")
		return m.commit(job, Failed, "submission failed: "+err.Error())
	}
	return m.commit(job, next, "submitted as "+job.SubmissionID)
}

func (m *Machine) submit(ctx context.Context, job *Job) (State, error) {
	sess, err := m.remote.Connect(ctx, m.SiteHost(job.Site))
	if err != nil {
		return Failed, err
	}
	defer sess.Close()

	if err := m.install(ctx, sess, job); err != nil {
		return Failed, err
	}

	if job.Lifecycle == LifecycleDeploy {
		id, err := m.api.SubmitSchedulerJob(ctx, job.Site, api.SchedulerJobRequest{
			Properties: fmt.Sprintf("host='%s'", m.NodeHost(job)),
			Resources:  fmt.Sprintf("nodes=1,walltime=%s", m.cfg.Walltime),
			Types:      []string{"deploy"},
			Command:    DeployHoldCommand,
			Queue:      m.cfg.Queue,
		})
		if err != nil {
			return Failed, err
		}
		job.SubmissionID = id
		return WaitingToBeDeployed, nil
	}

	id, err := sess.Submit(ctx, remoteScript(job))
	if err != nil {
		return Failed, err
	}
	job.SubmissionID = id
	return Waiting, nil
}

// install puts the script in place remotely: same relative path, executable.
func (m *Machine) install(ctx context.Context, sess remote.Session, job *Job) error {
	script := remoteScript(job)
	if err := sess.Mkdir(ctx, path.Dir(script)); err != nil {
		return err
	}
	if err := sess.Upload(ctx, job.ScriptFile, script); err != nil {
		return err
	}
	return sess.MakeExecutable(ctx, script)
}

func remoteScript(job *Job) string {
	return filepath.ToSlash(job.ScriptFile)
}

// Update polls the job's remote status once and takes the observed edge.
// Transport and decode errors are returned with the job unchanged, to be
// observed again on the next pass. Protocol errors mean the remote side said
// something the tables don't allow.
func (m *Machine) Update(ctx context.Context, job *Job) error {
	if !job.Live(m.cfg.UnknownPolicy) || job.State == NotSubmitted {
		return nil
	}
	m.stat.Counter(stats.JobPollCounter).Inc(1)

	if job.State == Processing {
		status, err := m.api.DeploymentStatus(ctx, job.Site, job.DeploymentID)
		if err != nil {
			m.stat.Counter(stats.JobPollErrorCounter).Inc(1)
			return errors.Wrapf(err, "polling deployment of job %d", job.ID)
		}
		return m.advance(ctx, job, ParseDeploymentStatus(status), "deployment "+status)
	}

	status, err := m.api.SchedulerStatus(ctx, job.Site, job.SubmissionID)
	if err != nil {
		m.stat.Counter(stats.JobPollErrorCounter).Inc(1)
		return errors.Wrapf(err, "polling job %d", job.ID)
	}
	obs, err := ParseSchedulerStatus(status)
	if err != nil {
		return err
	}
	switch {
	case obs.Keep:
		return nil
	case obs.State == Waiting && job.State == WaitingToBeDeployed:
		return nil
	case job.State == UnknownState && !obs.State.IsDone():
		return nil
	}
	return m.advance(ctx, job, obs.State, "scheduler "+status)
}

// advance takes the edge job.State -> to, running its action.
func (m *Machine) advance(ctx context.Context, job *Job, to State, reason string) error {
	from := job.State
	if to == from {
		return nil
	}
	if err := CheckTransition(job.Lifecycle, m.cfg.UnknownPolicy, from, to); err != nil {
		return err
	}

	switch {
	case job.Lifecycle == LifecycleDeploy && from == WaitingToBeDeployed && to == Running:
		if err := m.commit(job, Running, reason); err != nil {
			return err
		}
		return m.deploy(ctx, job)
	case to == Deployed:
		if err := m.commit(job, Deployed, reason); err != nil {
			return err
		}
		return m.launch(ctx, job)
	case to.IsDone():
		return m.finish(ctx, job, to, reason)
	}
	return m.commit(job, to, reason)
}

// deploy asks the deployer to reimage the reserved node.
func (m *Machine) deploy(ctx context.Context, job *Job) error {
	m.stat.Counter(stats.JobDeployCounter).Inc(1)
	id, err := m.api.SubmitDeployment(ctx, job.Site, api.DeploymentRequest{
		Nodes:       []string{m.NodeHost(job)},
		Environment: job.OSFlavor,
		Key:         m.cfg.DeployKey,
	})
	if err != nil {
		return m.fail(ctx, job, "deployment submission failed", err)
	}
	job.DeploymentID = id
	return m.commit(job, Processing, "deployment "+id+" submitted")
}

// launch starts the script on the deployed node and returns once the
// command is dispatched.
func (m *Machine) launch(ctx context.Context, job *Job) error {
	m.stat.Counter(stats.JobLaunchCounter).Inc(1)
	err := func() error {
		sess, err := m.remote.Connect(ctx, m.cfg.DeployUser+"@"+m.NodeHost(job))
		if err != nil {
			return err
		}
		defer sess.Close()
		if err := m.install(ctx, sess, job); err != nil {
			return err
		}
		return sess.Launch(ctx, remoteScript(job))
	}()
	if err != nil {
		return m.fail(ctx, job, "launch failed", err)
	}
	return m.commit(job, Running, "script launched")
}

func (m *Machine) fail(ctx context.Context, job *Job, reason string, err error) error {
	log.WithFields(jobFields(job)).WithField("action", reason).WithError(err).Error("Job action failed")
	m.fetchDiagnostics(ctx, job)
	return m.commit(job, Failed, reason+": "+err.Error())
}

// finish enters Terminated or Failed. Results are processed only when the
// script may have run.
func (m *Machine) finish(ctx context.Context, job *Job, to State, reason string) error {
	from := job.State
	if to == Failed {
		m.fetchDiagnostics(ctx, job)
	}
	if !m.mayHaveResults(from) || m.pipeline == nil {
		return m.commit(job, to, reason)
	}

	err := m.pipeline.Process(ctx, job)
	if fberrors.IsIntegrity(err) {
		log.WithFields(jobFields(job)).WithError(err).Warn("Results failed verification")
		job.Rechecks++
		job.UpdatedAt = m.now()
		return m.commit(job, UnknownState, err.Error())
	}
	if cerr := m.commit(job, to, reason); cerr != nil {
		return cerr
	}
	return err
}

func (m *Machine) mayHaveResults(from State) bool {
	switch from {
	case Waiting, Running, Finishing:
		return true
	case UnknownState:
		return m.cfg.UnknownPolicy == UnknownPolicyRecheck
	}
	return false
}

// fetchDiagnostics copies the scheduler's stdout and stderr files of the job
// into its results dir. Failures are only logged.
func (m *Machine) fetchDiagnostics(ctx context.Context, job *Job) {
	if job.SubmissionID == "" {
		return
	}
	sess, err := m.remote.Connect(ctx, m.SiteHost(job.Site))
	if err != nil {
		log.WithFields(jobFields(job)).WithError(err).Debug("Couldn't fetch scheduler output")
		return
	}
	defer sess.Close()
	for _, stream := range []string{"stdout", "stderr"} {
		name := fmt.Sprintf("OAR.%s.%s", job.SubmissionID, stream)
		if err := sess.Download(ctx, name, filepath.Join(job.ResultsDir, name)); err != nil {
			log.WithFields(jobFields(job)).WithError(err).Debugf("Couldn't fetch %s", name)
		}
	}
}

// commit moves job to state to and records the transition. Only an
// illegal edge is an error: recorder failures are logged and counted.
func (m *Machine) commit(job *Job, to State, reason string) error {
	from := job.State
	if from == to {
		return nil
	}
	if err := CheckTransition(job.Lifecycle, m.cfg.UnknownPolicy, from, to); err != nil {
		return err
	}
	at := m.now()
	job.State = to
	job.UpdatedAt = at
	m.stat.Counter(stats.JobTransitionCounter, to.String()).Inc(1)
	log.WithFields(log.Fields{
		"jobID":  job.ID,
		"node":   job.Node.UID,
		"site":   job.Site,
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Info("Job transition")

	if m.recorder == nil {
		return nil
	}
	t := Transition{JobID: job.ID, Node: job.Node.UID, Site: job.Site, From: from, To: to, Reason: reason, At: at}
	if err := m.recorder.Record(t); err != nil {
		m.stat.Counter(stats.JobRecordErrorCounter).Inc(1)
		log.WithFields(jobFields(job)).WithError(err).Warn("Couldn't record transition")
	}
	return nil
}
