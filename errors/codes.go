// Package errors provides the error handling system for the Deckhand pipeline.
// It extends Go's standard error handling with structured error codes that map
// each failure to the pipeline stage that produced it, and with a fatality
// classification that determines whether a run aborts or continues.
package errors

// Code identifies a specific failure condition in the pipeline.
// Codes are string-based for debuggability and natural JSON serialization.
type Code string

const (
	// Configuration errors.

	// CodeConfiguration indicates a missing or invalid static option.
	// Configuration errors are fatal and never retried.
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// Artifact errors.

	// CodeBuild indicates artifact construction failed.
	CodeBuild Code = "BUILD_FAILED"

	// CodePublish indicates the registry transfer failed. A failed push must
	// not leave a dangling reference consumed by later stages.
	CodePublish Code = "PUBLISH_FAILED"

	// Observation errors.

	// CodeScan indicates the scanner invocation itself failed. Scan errors are
	// recorded and the run continues with an empty report.
	CodeScan Code = "SCAN_FAILED"

	// CodeNotification indicates a report could not be rendered or the comment
	// destination was unreachable. Notification is best-effort.
	CodeNotification Code = "NOTIFICATION_FAILED"

	// Deployment errors.

	// CodeSpecification indicates the task definition template was malformed
	// or the target container definition was missing or ambiguous.
	CodeSpecification Code = "SPECIFICATION_ERROR"

	// CodeRegistration indicates the orchestration service rejected the
	// task definition. A malformed definition will not become valid by
	// retrying, so registration is never retried.
	CodeRegistration Code = "REGISTRATION_FAILED"

	// CodeUpdate indicates the service update request was rejected.
	CodeUpdate Code = "UPDATE_FAILED"

	// CodeStabilityTimeout indicates the service accepted the update but did
	// not reach steady state within the configured bound. Kept distinct from
	// CodeUpdate so operators know the update itself was accepted.
	CodeStabilityTimeout Code = "STABILITY_TIMEOUT"

	// CodeUnknown indicates an unclassified failure.
	CodeUnknown Code = "UNKNOWN"
)

// nonFatal holds the codes that are recorded without aborting the run.
// Everything else aborts immediately.
var nonFatal = map[Code]bool{
	CodeScan:         true,
	CodeNotification: true,
}

// Fatal reports whether an error carrying this code must abort the run.
func (c Code) Fatal() bool {
	return !nonFatal[c]
}
