package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/journal"
)

func makeHistoryCmd(c *CliClient) *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "print the journaled transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  c.history,
	}
}

func (c *CliClient) history(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Errorf("job id must be an integer, got %q", args[0])
	}
	cfg, err := c.loadConfig(cmd, false)
	if err != nil {
		return err
	}
	if cfg.Journal.Dir == "" {
		return fberrors.NewError(errors.New("no journal configured, set Journal.Dir"), fberrors.ConfigFailureExitCode)
	}
	jr, err := journal.OpenBadger(cfg.Journal.Dir)
	if err != nil {
		return fberrors.NewError(err, fberrors.JournalFailureExitCode)
	}
	defer jr.Close()

	ts, err := jr.History(id)
	if err != nil {
		return fberrors.NewError(err, fberrors.JournalFailureExitCode)
	}
	if len(ts) == 0 {
		return errors.Errorf("no transitions recorded for job %d", id)
	}
	for _, t := range ts {
		line := fmt.Sprintf("%s  %s -> %s", t.At.Format(time.RFC3339), t.From, t.To)
		if t.Reason != "" {
			line += "  (" + t.Reason + ")"
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}
