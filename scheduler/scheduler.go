// Package scheduler drives a benchmarking campaign: it walks the node catalog
// round-robin across clusters, keeps at most MaxConcurrentJobs jobs live on
// the fleet, and polls until every job is done. The checkpoint is rewritten
// after every submission and every polling pass, so a restarted run resumes
// where the last one stopped.
package scheduler

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/fleet"
	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/scripts"
)

// SamplingPolicy picks which catalog nodes get a job.
type SamplingPolicy string

const (
	// Every node of every cluster.
	SamplingAll SamplingPolicy = "all"
	// Only the first node (by uid) of each cluster.
	SamplingFirst SamplingPolicy = "first"
)

func ParseSamplingPolicy(s string) (SamplingPolicy, error) {
	switch SamplingPolicy(s) {
	case "", SamplingAll:
		return SamplingAll, nil
	case SamplingFirst:
		return SamplingFirst, nil
	}
	return "", errors.Errorf("unknown sampling policy %q", s)
}

const (
	DefaultMaxConcurrentJobs   = 20
	DefaultPollInterval        = 10 * time.Second
	DefaultExpectedJobDuration = 4 * time.Hour
)

type Config struct {
	MaxConcurrentJobs   int
	PollInterval        time.Duration
	Sampling            SamplingPolicy
	CoreValuesCount     int
	ExpectedJobDuration time.Duration

	// Nodes that don't accept Queue are left out.
	Queue string

	// Flavor is the OS image for every cluster unless ClusterFlavors names
	// one. Jobs on DefaultFlavor, or on no flavor, use the default lifecycle.
	DefaultFlavor  string
	Flavor         string
	ClusterFlavors map[string]string

	JobsFile string
	Paths    jobs.Paths
}

// StateMachine moves jobs through their lifecycle. jobs.Machine is the real
// one.
type StateMachine interface {
	Submit(ctx context.Context, job *jobs.Job) error
	Update(ctx context.Context, job *jobs.Job) error
	Policy() jobs.UnknownPolicy
}

var _ StateMachine = (*jobs.Machine)(nil)

type Scheduler struct {
	cfg       Config
	catalog   *fleet.Catalog
	jobs      *jobs.Jobs
	machine   StateMachine
	generator scripts.Generator

	gate    Gate
	clock   Clock
	backoff backoff.BackOff
	rng     *rand.Rand

	runID string
	stat  stats.StatsReceiver
}

// New returns a Scheduler over the catalog that resumes js, usually just
// loaded from cfg.JobsFile. Jobs whose node is still in the catalog get the
// fresher node description.
func New(
	cfg Config,
	catalog *fleet.Catalog,
	js *jobs.Jobs,
	machine StateMachine,
	generator scripts.Generator,
	stat stats.StatsReceiver,
) (*Scheduler, error) {
	if err := jobs.ValidateStatusTables(); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sampling == "" {
		cfg.Sampling = SamplingAll
	}
	if cfg.CoreValuesCount <= 0 {
		cfg.CoreValuesCount = jobs.DefaultCoreValuesCount
	}
	if cfg.ExpectedJobDuration <= 0 {
		cfg.ExpectedJobDuration = DefaultExpectedJobDuration
	}
	if cfg.Queue == "" {
		cfg.Queue = jobs.DefaultQueue
	}
	if js == nil {
		js = &jobs.Jobs{}
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}

	s := &Scheduler{
		cfg:       cfg,
		catalog:   catalog,
		jobs:      js,
		machine:   machine,
		generator: generator,
		gate:      AlwaysOpen{},
		clock:     SystemClock(),
		backoff:   backoff.NewConstantBackOff(cfg.PollInterval),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		runID:     generateRunID(),
		stat:      stat.Scope("scheduler"),
	}
	s.refreshNodes()
	return s, nil
}

func generateRunID() string {
	id, err := uuid.NewV4()
	for err != nil {
		id, err = uuid.NewV4()
	}
	return id.String()
}

func (s *Scheduler) SetGate(g Gate)               { s.gate = g }
func (s *Scheduler) SetClock(c Clock)             { s.clock = c }
func (s *Scheduler) SetBackOff(b backoff.BackOff) { s.backoff = b }
func (s *Scheduler) SetRand(r *rand.Rand)         { s.rng = r }

func (s *Scheduler) RunID() string    { return s.runID }
func (s *Scheduler) Jobs() *jobs.Jobs { return s.jobs }

func (s *Scheduler) fields() log.Fields {
	return log.Fields{"runID": s.runID}
}

func (s *Scheduler) refreshNodes() {
	if s.catalog == nil {
		return
	}
	refreshed := 0
	for _, j := range s.jobs.Jobs {
		if n, ok := s.catalog.Lookup(j.Node.UID); ok {
			j.RefreshNode(n)
			refreshed++
		}
	}
	if len(s.jobs.Jobs) > 0 {
		log.WithFields(s.fields()).WithFields(log.Fields{
			"jobs":      len(s.jobs.Jobs),
			"refreshed": refreshed,
		}).Info("Resuming from checkpoint")
	}
}

// Run schedules every catalog node, then polls until no job is live.
func (s *Scheduler) Run(ctx context.Context) error {
	log.WithFields(s.fields()).WithField("maxConcurrentJobs", s.cfg.MaxConcurrentJobs).Info("Starting campaign")
	if err := s.Schedule(ctx); err != nil {
		return err
	}
	return s.Drain(ctx)
}

// Schedule walks the catalog round-robin: the first node of every cluster,
// then the second of every cluster, and so on. Nodes that already have a
// job are skipped. Each submission waits for room under the concurrency
// ceiling and for the gate.
func (s *Scheduler) Schedule(ctx context.Context) error {
	if err := s.submitPending(ctx); err != nil {
		return err
	}
	if s.catalog == nil {
		return nil
	}
	for index := 0; ; index++ {
		more := false
		for _, cn := range s.catalog.Clusters {
			nodes := s.sample(cn.Nodes)
			if index >= len(nodes) {
				continue
			}
			more = true
			node := nodes[index]
			if s.jobs.ByNode(node.UID) != nil {
				s.stat.Counter(stats.SchedNodesSkippedCounter).Inc(1)
				continue
			}
			if !node.AcceptsQueue(s.cfg.Queue) {
				log.WithFields(s.fields()).WithFields(log.Fields{
					"node":  node.UID,
					"queue": s.cfg.Queue,
				}).Debug("Node doesn't accept queue, skipping")
				continue
			}
			if err := s.throttle(ctx); err != nil {
				return err
			}
			if err := s.awaitGate(ctx); err != nil {
				return err
			}
			if err := s.create(ctx, cn, node); err != nil {
				return err
			}
		}
		if !more {
			return nil
		}
	}
}

func (s *Scheduler) sample(nodes []fleet.Node) []fleet.Node {
	if s.cfg.Sampling == SamplingFirst && len(nodes) > 1 {
		return nodes[:1]
	}
	return nodes
}

// Drain polls until every job is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	if err := s.submitPending(ctx); err != nil {
		return err
	}
	for s.live() > 0 {
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if s.live() == 0 {
			break
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	log.WithFields(s.fields()).WithField("states", s.jobs.CountByState()).Info("All jobs done")
	return nil
}

// Tick polls every live job once, in order, and persists the checkpoint.
// Transport and decode errors leave the job for the next pass; any other
// error stops the pass and is returned once the checkpoint is written.
func (s *Scheduler) Tick(ctx context.Context) error {
	latency := s.stat.Latency(stats.SchedPollPassLatency_ms).Time()
	s.stat.Counter(stats.SchedPollPassCounter).Inc(1)

	var passErr error
	for _, j := range s.jobs.Active(s.machine.Policy()) {
		err := s.machine.Update(ctx, j)
		if err == nil {
			continue
		}
		if fberrors.IsTransport(err) || fberrors.IsDecode(err) {
			log.WithFields(s.fields()).WithFields(log.Fields{
				"jobID": j.ID,
				"node":  j.Node.UID,
				"site":  j.Site,
			}).WithError(err).Warn("Couldn't poll job, will retry")
			continue
		}
		passErr = err
		break
	}
	latency.Stop()

	s.stat.Gauge(stats.SchedLiveJobsGauge).Update(int64(s.live()))
	if err := s.persist(); err != nil {
		if passErr != nil {
			log.WithFields(s.fields()).WithError(passErr).Error("Polling pass failed")
		}
		return err
	}
	return passErr
}

// throttle ticks until fewer than MaxConcurrentJobs jobs are live.
func (s *Scheduler) throttle(ctx context.Context) error {
	for s.live() >= s.cfg.MaxConcurrentJobs {
		s.stat.Counter(stats.SchedThrottleWaitCounter).Inc(1)
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if s.live() < s.cfg.MaxConcurrentJobs {
			break
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// awaitGate ticks until the gate lets a job start now.
func (s *Scheduler) awaitGate(ctx context.Context) error {
	for !s.gate.Allow(s.clock.Now(), s.cfg.ExpectedJobDuration) {
		s.stat.Counter(stats.SchedGateRefusedCounter).Inc(1)
		log.WithFields(s.fields()).Debug("Gate closed, waiting")
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) wait(ctx context.Context) error {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		return errors.New("gave up waiting for jobs")
	}
	return s.clock.Sleep(ctx, d)
}

// live counts the submitted jobs that still need polling.
func (s *Scheduler) live() int {
	n := 0
	for _, j := range s.jobs.Active(s.machine.Policy()) {
		if j.State != jobs.NotSubmitted {
			n++
		}
	}
	return n
}

func (s *Scheduler) flavorFor(cluster string) string {
	if f, ok := s.cfg.ClusterFlavors[cluster]; ok {
		return f
	}
	return s.cfg.Flavor
}

// create makes the job for node, writes its script, submits it and persists.
func (s *Scheduler) create(ctx context.Context, cn fleet.ClusterNodes, node fleet.Node) error {
	flavor := s.flavorFor(cn.Cluster)
	job := jobs.NewJob(
		s.jobs.NextID(),
		node,
		cn.Site,
		cn.Cluster,
		flavor,
		jobs.LifecycleFor(flavor, s.cfg.DefaultFlavor),
		jobs.GenerateCoreValues(s.rng, s.cfg.CoreValuesCount, node.Architecture.NbCores),
		s.cfg.Paths,
		s.clock.Now(),
	)
	if err := scripts.WriteScript(ctx, s.generator, job); err != nil {
		return errors.Wrapf(err, "generating script for %s", node.UID)
	}
	if err := s.jobs.Add(job); err != nil {
		return err
	}
	s.stat.Counter(stats.SchedJobsCreatedCounter).Inc(1)
	log.WithFields(s.fields()).WithFields(log.Fields{
		"jobID":      job.ID,
		"node":       node.UID,
		"site":       cn.Site,
		"lifecycle":  job.Lifecycle,
		"coreValues": job.CoreValues,
	}).Info("Created job")
	return s.submit(ctx, job)
}

func (s *Scheduler) submit(ctx context.Context, job *jobs.Job) error {
	if err := s.machine.Submit(ctx, job); err != nil {
		if perr := s.persist(); perr != nil {
			log.WithFields(s.fields()).WithError(perr).Error("Couldn't write checkpoint")
		}
		return err
	}
	s.backoff.Reset()
	return s.persist()
}

// submitPending submits jobs a previous run created but never submitted.
func (s *Scheduler) submitPending(ctx context.Context) error {
	for _, j := range s.jobs.Jobs {
		if j.State != jobs.NotSubmitted {
			continue
		}
		if _, err := os.Stat(j.ScriptFile); err != nil {
			if err := scripts.WriteScript(ctx, s.generator, j); err != nil {
				return errors.Wrapf(err, "generating script for %s", j.Node.UID)
			}
		}
		if err := s.throttle(ctx); err != nil {
			return err
		}
		if err := s.submit(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) persist() error {
	if s.cfg.JobsFile == "" {
		return nil
	}
	if err := s.jobs.Save(s.cfg.JobsFile); err != nil {
		s.stat.Counter(stats.SchedCheckpointErrorCounter).Inc(1)
		return errors.Wrap(err, "writing checkpoint")
	}
	s.stat.Counter(stats.SchedCheckpointCounter).Inc(1)
	return nil
}
