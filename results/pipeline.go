package results

import (
	"context"

	log "github.com/sirupsen/logrus"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
	"github.com/fleetbench/fleetbench/jobs"
)

// Pipeline retrieves, extracts and aggregates the results of a finished job.
// It is the jobs.ResultPipeline of a campaign.
type Pipeline struct {
	retriever  *Retriever
	aggregator *Aggregator
	strict     bool
	stat       stats.StatsReceiver
}

// NewPipeline returns a Pipeline. When strict is false aggregation failures
// are logged and counted but not returned.
func NewPipeline(retriever *Retriever, aggregator *Aggregator, strict bool, stat stats.StatsReceiver) *Pipeline {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Pipeline{
		retriever:  retriever,
		aggregator: aggregator,
		strict:     strict,
		stat:       stat.Scope("results"),
	}
}

var _ jobs.ResultPipeline = (*Pipeline)(nil)

// Process returns an IntegrityError when the archive cannot be retrieved,
// verified or extracted, and then nothing is aggregated.
func (p *Pipeline) Process(ctx context.Context, job *jobs.Job) error {
	fields := log.Fields{"jobID": job.ID, "node": job.Node.UID, "site": job.Site}
	if err := p.retriever.Retrieve(ctx, job); err != nil {
		return err
	}
	if err := ExtractResults(ArchivePath(job.ResultsDir), job.ResultsDir); err != nil {
		p.stat.Counter(stats.ResultsIntegrityCounter).Inc(1)
		return &fberrors.IntegrityError{JobID: job.ID, Stage: "extract", Err: err}
	}
	p.stat.Counter(stats.ResultsExtractedCounter).Inc(1)

	if err := p.aggregator.Aggregate(job.ResultsDir); err != nil {
		log.WithFields(fields).WithError(err).Warn("Aggregation incomplete")
		if p.strict {
			return err
		}
	}
	return nil
}
