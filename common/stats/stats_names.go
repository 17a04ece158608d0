package stats

/*
Stat names used across fleetbench. Counters end in Counter, gauges in Gauge
and latencies in their display unit (_ms).
*/
const (
	/****************************** Scheduler ******************************/
	// number of jobs created and handed to the state machine for submission
	SchedJobsCreatedCounter = "jobsCreated"

	// jobs skipped because the checkpoint already holds a job for the node
	SchedNodesSkippedCounter = "nodesSkipped"

	// number of polling passes
	SchedPollPassCounter = "pollPasses"

	// number of waits while at the concurrency ceiling
	SchedThrottleWaitCounter = "throttleWaits"

	// number of waits while the daytime gate refused a submission
	SchedGateRefusedCounter = "gateRefused"

	// jobs not yet in a terminal state
	SchedLiveJobsGauge = "liveJobs"

	// number of checkpoint writes, and failures
	SchedCheckpointCounter      = "checkpoints"
	SchedCheckpointErrorCounter = "checkpointErrors"

	// time spent on one polling pass
	SchedPollPassLatency_ms = "pollPassLatency_ms"

	/****************************** Jobs ******************************/
	// submissions attempted, and those that ended in Failed
	JobSubmitCounter        = "submits"
	JobSubmitFailureCounter = "submitFailures"

	// deployments requested, script launches
	JobDeployCounter = "deploys"
	JobLaunchCounter = "launches"

	// status polls issued, and transport failures while polling
	JobPollCounter      = "polls"
	JobPollErrorCounter = "pollErrors"

	// committed transitions, scoped by target state: transitions/<State>
	JobTransitionCounter = "transitions"

	// transitions the journal or notifier failed to take
	JobRecordErrorCounter = "recordErrors"

	/****************************** Remote ******************************/
	RemoteConnectLatency_ms  = "connectLatency_ms"
	RemoteUploadLatency_ms   = "uploadLatency_ms"
	RemoteDownloadLatency_ms = "downloadLatency_ms"
	RemoteCommandLatency_ms  = "commandLatency_ms"
	RemoteErrorCounter       = "errors"

	/****************************** API ******************************/
	APIRequestLatency_ms = "requestLatency_ms"
	APIRequestCounter    = "requests"
	APIErrorCounter      = "errors"

	/****************************** Results ******************************/
	// pipeline outcomes per job
	ResultsRetrievedCounter = "retrieved"
	ResultsIntegrityCounter = "integrityFailures"
	ResultsExtractedCounter = "extracted"

	// aggregation items processed, and failed
	ResultsAggregatedCounter       = "aggregated"
	ResultsAggregationErrorCounter = "aggregationErrors"

	ResultsRetrieveLatency_ms = "retrieveLatency_ms"
)
