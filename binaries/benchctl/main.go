package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/benchctl/cli"
	fberrors "github.com/fleetbench/fleetbench/common/errors"
)

// Benchmark campaign driver.
//	Supported commands: (see "-h" for all options)
//		run [--skip_catalog_refresh] [--skip_jobs] [--skip_results]
//		status [--jobs]
//		results
//		history [job id]
//	Global flags:
//		--config [JSON configuration file]
//		--log_level [<error|warn|info|debug> level and above should be logged]
//		--logs_dir, --catalog_dir, --scripts_dir, --results_dir, --jobs_file

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cl := cli.NewCliClient()
	err := cl.ExecContext(ctx)
	if err != nil {
		log.WithError(err).Error("benchctl failed")
	}
	cl.Close()
	stop()
	if err != nil {
		os.Exit(int(fberrors.ExitCodeOf(err)))
	}
}
