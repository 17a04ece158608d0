// Package cli implements the benchctl command line.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleetbench/fleetbench/api"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
	clog "github.com/fleetbench/fleetbench/common/log"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/config"
	"github.com/fleetbench/fleetbench/remote"
	"github.com/fleetbench/fleetbench/runner/execer"
	osexec "github.com/fleetbench/fleetbench/runner/execer/os"
)

// Components are the outside-facing parts of a run.
type Components struct {
	// Runs local subprocesses: catalog refresh, script generator, rsync.
	Execer execer.Execer
	Remote remote.Executor
	Status api.StatusClient
}

type ComponentsFactory func(cfg *config.Config, stat stats.StatsReceiver) (*Components, error)

// DefaultComponents talks ssh to the frontends and https to the API.
func DefaultComponents(cfg *config.Config, stat stats.StatsReceiver) (*Components, error) {
	ex, err := remote.NewSSHExecutor(cfg.SSH(), stat)
	if err != nil {
		return nil, err
	}
	return &Components{
		Execer: osexec.NewExecer(),
		Remote: ex,
		Status: api.NewClient(cfg.APIClient(), stat),
	}, nil
}

type CliClient struct {
	rootCmd    *cobra.Command
	out        io.Writer
	lookupEnv  func(string) (string, bool)
	components ComponentsFactory
	logCloser  io.Closer

	configFile string
	logLevel   string
	logsDir    string
	catalogDir string
	scriptsDir string
	resultsDir string
	jobsFile   string
}

func (c *CliClient) Exec() error {
	return c.rootCmd.Execute()
}

// ExecContext runs the command line with ctx, canceled on interrupt by the
// caller.
func (c *CliClient) ExecContext(ctx context.Context) error {
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CliClient) Close() error {
	if c.logCloser == nil {
		return nil
	}
	err := c.logCloser.Close()
	c.logCloser = nil
	return err
}

func NewCliClient() *CliClient {
	return NewCustomCliClient(DefaultComponents, os.LookupEnv, os.Stdout)
}

func NewCustomCliClient(components ComponentsFactory, lookupEnv func(string) (string, bool), out io.Writer) *CliClient {
	c := &CliClient{out: out, lookupEnv: lookupEnv, components: components}

	rootCmd := &cobra.Command{
		Use:                "benchctl",
		Short:              "benchctl runs energy benchmark campaigns across a testbed",
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPostRunE: func(*cobra.Command, []string) error { return c.Close() },
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "JSON configuration file")
	flags.StringVar(&c.logLevel, "log_level", "", "error, warn, info or debug")
	flags.StringVar(&c.logsDir, "logs_dir", "", "directory receiving benchctl.log")
	flags.StringVar(&c.catalogDir, "catalog_dir", "", "node catalog directory")
	flags.StringVar(&c.scriptsDir, "scripts_dir", "", "generated scripts directory")
	flags.StringVar(&c.resultsDir, "results_dir", "", "local results directory")
	flags.StringVar(&c.jobsFile, "jobs_file", "", "jobs checkpoint file")

	c.rootCmd = rootCmd
	rootCmd.AddCommand(makeRunCmd(c))
	rootCmd.AddCommand(makeStatusCmd(c))
	rootCmd.AddCommand(makeResultsCmd(c))
	rootCmd.AddCommand(makeHistoryCmd(c))
	return c
}

// SetArgs replaces os.Args[1:], for tests.
func (c *CliClient) SetArgs(args []string) { c.rootCmd.SetArgs(args) }

// loadConfig layers the config file, the environment and the flags that were
// set, then sets up logging. Only a run tees its log to the logs dir.
func (c *CliClient) loadConfig(cmd *cobra.Command, logToFile bool) (*config.Config, error) {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	if err := cfg.ApplyEnv(c.lookupEnv); err != nil {
		return nil, fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	overrides := []struct {
		flag string
		val  string
		dst  *string
	}{
		{"log_level", c.logLevel, &cfg.Logs.Level},
		{"logs_dir", c.logsDir, &cfg.Logs.Dir},
		{"catalog_dir", c.catalogDir, &cfg.Paths.CatalogDir},
		{"scripts_dir", c.scriptsDir, &cfg.Paths.ScriptsDir},
		{"results_dir", c.resultsDir, &cfg.Paths.ResultsDir},
		{"jobs_file", c.jobsFile, &cfg.Paths.JobsFile},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.dst = o.val
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fberrors.NewError(errors.Wrap(err, "invalid configuration"), fberrors.ConfigFailureExitCode)
	}

	logsDir := ""
	if logToFile {
		logsDir = cfg.Logs.Dir
	}
	closer, err := clog.Setup(cfg.Logs.Level, logsDir)
	if err != nil {
		return nil, fberrors.NewError(err, fberrors.ConfigFailureExitCode)
	}
	c.logCloser = closer
	log.Debugf("Configuration:\n%s", cfg)
	return cfg, nil
}
