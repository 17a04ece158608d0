package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/jobs"
)

type statusCmd struct {
	listJobs bool
}

func makeStatusCmd(c *CliClient) *cobra.Command {
	s := &statusCmd{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print how many checkpointed jobs are in each state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run(c, cmd)
		},
	}
	cmd.Flags().BoolVar(&s.listJobs, "jobs", false, "also list every job")
	return cmd
}

func (s *statusCmd) run(c *CliClient, cmd *cobra.Command) error {
	cfg, err := c.loadConfig(cmd, false)
	if err != nil {
		return err
	}
	js, err := jobs.Load(cfg.Paths.JobsFile)
	if err != nil {
		return fberrors.NewError(err, fberrors.CheckpointFailureExitCode)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	counts := js.CountByState()
	for _, state := range jobs.AllStates {
		if counts[state] > 0 {
			fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
		}
	}
	fmt.Fprintf(w, "Total\t%d\n", len(js.Jobs))
	if s.listJobs {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "ID\tNODE\tSITE\tSTATE\tSUBMISSION")
		for _, j := range js.Jobs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Node.UID, j.Site, j.State, j.SubmissionID)
		}
	}
	return w.Flush()
}
