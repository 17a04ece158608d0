package cli

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/results"
)

func makeResultsCmd(c *CliClient) *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "aggregate every extracted node directory of the results tree",
		Args:  cobra.NoArgs,
		RunE:  c.results,
	}
}

// results walks <results_dir>/<site>/<cluster>/<node> and aggregates each
// node directory. Every directory is attempted.
func (c *CliClient) results(cmd *cobra.Command, args []string) error {
	cfg, err := c.loadConfig(cmd, false)
	if err != nil {
		return err
	}
	dirs, err := nodeResultDirs(cfg.Paths.ResultsDir)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		log.Warnf("No node results under %s", cfg.Paths.ResultsDir)
		return nil
	}

	agg := results.NewAggregator(stats.NilStatsReceiver())
	var errs error
	for _, dir := range dirs {
		if err := agg.Aggregate(dir); err != nil {
			log.WithField("dir", dir).WithError(err).Warn("Aggregation failed")
			errs = multierr.Append(errs, errors.Wrap(err, dir))
			continue
		}
		log.WithField("dir", dir).Info("Aggregated")
	}
	if errs != nil {
		return fberrors.NewError(errs, fberrors.AggregationFailureExitCode)
	}
	return nil
}

func nodeResultDirs(root string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*", "*", "*"))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	return dirs, nil
}
