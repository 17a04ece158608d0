// Package results brings benchmark results back from the sites, checks and
// unpacks them, and turns raw telemetry into CSV tables.
package results

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/jobs"
	"github.com/fleetbench/fleetbench/runner/execer"
)

const (
	DefaultTransferTimeout = 120 * time.Second
	ArchiveExt             = ".tar.xz"
	ChecksumExt            = ".md5"
)

// ArchivePath is <resultsDir>.tar.xz, next to the results dir.
func ArchivePath(resultsDir string) string {
	return filepath.Clean(resultsDir) + ArchiveExt
}

// Retriever mirrors a site's results tree locally and verifies a job's
// archive against its checksum file. Both steps are subprocesses killed
// after Timeout.
type Retriever struct {
	ex         execer.Execer
	localRoot  string
	remoteRoot string
	host       func(site string) string
	timeout    time.Duration
	stat       stats.StatsReceiver
}

// NewRetriever syncs <host(site)>:<remoteRoot>/<site>/ into <localRoot>/<site>/.
func NewRetriever(ex execer.Execer, localRoot, remoteRoot string, host func(site string) string, timeout time.Duration, stat stats.StatsReceiver) *Retriever {
	if timeout == 0 {
		timeout = DefaultTransferTimeout
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Retriever{
		ex:         ex,
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		host:       host,
		timeout:    timeout,
		stat:       stat.Scope("results"),
	}
}

// Retrieve returns an IntegrityError when the transfer or the verification
// does not exit 0.
func (r *Retriever) Retrieve(ctx context.Context, job *jobs.Job) error {
	defer r.stat.Latency(stats.ResultsRetrieveLatency_ms).Time().Stop()
	fields := log.Fields{"jobID": job.ID, "node": job.Node.UID, "site": job.Site}

	dst := filepath.Join(r.localRoot, job.Site) + "/"
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	src := r.host(job.Site) + ":" + strings.TrimSuffix(r.remoteRoot, "/") + "/" + job.Site + "/"
	if err := r.run(ctx, "transfer", job, execer.Command{
		Argv:      []string{"rsync", "-a", src, dst},
		LogFields: fields,
	}); err != nil {
		return err
	}

	archive := ArchivePath(job.ResultsDir)
	if err := r.run(ctx, "verify", job, execer.Command{
		Argv:      []string{"md5sum", "-c", filepath.Base(archive) + ChecksumExt},
		Dir:       filepath.Dir(archive),
		LogFields: fields,
	}); err != nil {
		return err
	}
	r.stat.Counter(stats.ResultsRetrievedCounter).Inc(1)
	log.WithFields(fields).Info("Results retrieved and verified")
	return nil
}

func (r *Retriever) run(ctx context.Context, stage string, job *jobs.Job, cmd execer.Command) error {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	st, err := execer.Run(ctx, r.ex, cmd, r.timeout)
	if err == nil && !st.Succeeded() {
		err = errors.Errorf("%s exited %d (%s): %s", cmd.Argv[0], st.ExitCode, st.State, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		r.stat.Counter(stats.ResultsIntegrityCounter).Inc(1)
		return &fberrors.IntegrityError{JobID: job.ID, Stage: stage, Err: err}
	}
	return nil
}
