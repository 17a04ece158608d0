package cli

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleetbench/fleetbench/common/endpoints"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/config"
	"github.com/fleetbench/fleetbench/fleet"
	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/journal"
	"github.com/fleetbench/fleetbench/notify"
	"github.com/fleetbench/fleetbench/results"
	"github.com/fleetbench/fleetbench/scheduler"
	"github.com/fleetbench/fleetbench/scripts"
)

type runCmd struct {
	skipCatalogRefresh bool
	skipJobs           bool
	skipResults        bool
	httpAddr           string
}

func makeRunCmd(c *CliClient) *cobra.Command {
	r := &runCmd{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the campaign: refresh the catalog, submit a job per node and collect results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(c, cmd)
		},
	}
	cmd.Flags().BoolVar(&r.skipCatalogRefresh, "skip_catalog_refresh", false, "use the node catalog as is")
	cmd.Flags().BoolVar(&r.skipJobs, "skip_jobs", false, "don't create or submit new jobs, only follow the checkpointed ones")
	cmd.Flags().BoolVar(&r.skipResults, "skip_results", false, "don't retrieve nor aggregate results of finished jobs")
	cmd.Flags().StringVar(&r.httpAddr, "http_addr", "", "serve health and metrics on this address")
	return cmd
}

func (r *runCmd) run(c *CliClient, cmd *cobra.Command) error {
	cfg, err := c.loadConfig(cmd, true)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("http_addr") {
		cfg.Scheduler.HTTPAddr = r.httpAddr
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	stat := stats.DefaultStatsReceiver()
	if cfg.Scheduler.HTTPAddr != "" {
		server := endpoints.NewTwitterServer(cfg.Scheduler.HTTPAddr, stat)
		go func() {
			if err := server.Serve(ctx); err != nil {
				log.WithError(err).Warn("Stats endpoint stopped")
			}
		}()
	}

	for _, dir := range []string{cfg.Paths.CatalogDir, cfg.Paths.ScriptsDir, cfg.Paths.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}

	comps, err := c.components(cfg, stat)
	if err != nil {
		return fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}

	if r.skipCatalogRefresh {
		log.Info("Skipping catalog refresh")
	} else if err := fleet.Refresh(ctx, comps.Execer, cfg.Catalog.RefreshCommand, cfg.Paths.CatalogDir, cfg.Catalog.Timeout.Duration); err != nil {
		return err
	}
	catalog, err := fleet.LoadCatalog(cfg.Paths.CatalogDir)
	if err != nil {
		return err
	}
	log.Infof("Catalog has %d nodes in %d clusters", catalog.NodeCount(), len(catalog.Clusters))

	js, err := jobs.Load(cfg.Paths.JobsFile)
	if err != nil {
		return fberrors.NewError(err, fberrors.CheckpointFailureExitCode)
	}

	jr, err := openJournal(cfg)
	if err != nil {
		return fberrors.NewError(err, fberrors.JournalFailureExitCode)
	}
	defer jr.Close()
	notifier, err := notify.NewNotifier(cfg.Notify.NatsURL, cfg.Notify.Subject)
	if err != nil {
		return err
	}
	defer notifier.Close()

	mcfg, err := cfg.Machine()
	if err != nil {
		return fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	var machine *jobs.Machine
	var pipeline jobs.ResultPipeline
	if r.skipResults {
		log.Info("Skipping results processing")
	} else {
		host := func(site string) string {
			h := machine.SiteHost(site)
			if cfg.Remote.User != "" && !strings.Contains(h, "@") {
				h = cfg.Remote.User + "@" + h
			}
			return h
		}
		retriever := results.NewRetriever(comps.Execer, cfg.Paths.ResultsDir, cfg.Remote.RemoteResultsRoot,
			host, cfg.Results.TransferTimeout.Duration, stat)
		pipeline = results.NewPipeline(retriever, results.NewAggregator(stat), cfg.Results.StrictAggregation, stat)
	}
	machine = jobs.NewMachine(mcfg, comps.Remote, comps.Status, pipeline, jobs.Recorders{jr, notifier}, stat)

	scfg, err := cfg.Scheduling()
	if err != nil {
		return fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	generator := &scripts.CommandGenerator{
		Argv:       cfg.Generator.Command,
		EventsFile: cfg.Generator.EventsFile,
		Walltime:   cfg.Deploy.Walltime,
		Queue:      cfg.Deploy.Queue,
		Timeout:    cfg.Generator.Timeout.Duration,
		Execer:     comps.Execer,
	}
	sched, err := scheduler.New(scfg, catalog, js, machine, generator, stat)
	if err != nil {
		return err
	}
	gate, err := cfg.Gate()
	if err != nil {
		return fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	sched.SetGate(gate)

	if r.skipJobs {
		log.Info("Skipping job creation, following checkpointed jobs")
		err = sched.Drain(ctx)
	} else {
		err = sched.Run(ctx)
	}
	summarize(sched.Jobs())
	return exitError(err)
}

func openJournal(cfg *config.Config) (journal.Journal, error) {
	if cfg.Journal.Dir == "" {
		return journal.NewInMemory(), nil
	}
	return journal.OpenBadger(cfg.Journal.Dir)
}

func summarize(js *jobs.Jobs) {
	fields := log.Fields{}
	for state, n := range js.CountByState() {
		fields[state.String()] = n
	}
	log.WithFields(fields).Infof("Campaign over %d jobs", len(js.Jobs))
}

// exitError attaches the exit code matching the campaign failure.
func exitError(err error) error {
	var aggErr *fberrors.AggregationError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fberrors.NewError(err, fberrors.InterruptedExitCode)
	case fberrors.IsProtocol(err):
		return fberrors.NewError(err, fberrors.ProtocolFailureExitCode)
	case errors.As(err, &aggErr):
		return fberrors.NewError(err, fberrors.AggregationFailureExitCode)
	}
	return err
}
