package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	// Startup
	ConfigFailureExitCode     = 64
	CheckpointFailureExitCode = 70
	JournalFailureExitCode    = 71

	// Campaign
	ProtocolFailureExitCode    = 75
	AggregationFailureExitCode = 80

	InterruptedExitCode = 130
)
