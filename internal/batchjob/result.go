package batchjob

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"pkt.systems/bucketkey/internal/remediate"
)

// Result codes understood by S3 Batch Operations.
const (
	ResultSucceeded        = "Succeeded"
	ResultPermanentFailure = "PermanentFailure"
)

// Succeeded reports a remediated or skipped task.
func Succeeded(taskID, message string) events.S3BatchJobResult {
	return events.S3BatchJobResult{TaskID: taskID, ResultCode: ResultSucceeded, ResultString: message}
}

// PermanentFailure reports a task S3 Batch Operations must not retry.
func PermanentFailure(taskID, message string) events.S3BatchJobResult {
	return events.S3BatchJobResult{TaskID: taskID, ResultCode: ResultPermanentFailure, ResultString: message}
}

// Unexpected reports a task whose processing panicked. The detail is logged
// elsewhere; the result carries a generic message.
func Unexpected(task Task) events.S3BatchJobResult {
	return PermanentFailure(task.TaskID, fmt.Sprintf("unexpected error processing %s", task.Key))
}

// FromOutcome maps an engine outcome, or the error it failed with, to the
// task's result.
func FromOutcome(task Task, outcome remediate.Outcome, err error) events.S3BatchJobResult {
	if err != nil {
		return PermanentFailure(task.TaskID, err.Error())
	}
	switch outcome.Status {
	case remediate.StatusRemediated:
		return Succeeded(task.TaskID, fmt.Sprintf("Successfully enabled bucket key for %s.", task.Key))
	case remediate.StatusSkipped:
		return Succeeded(task.TaskID, fmt.Sprintf("Skipped key: %s - %s %s", task.Key, task.Key, outcome.Reason))
	case remediate.StatusEligible:
		return Succeeded(task.TaskID, fmt.Sprintf("Dry run: bucket key would be enabled for %s.", task.Key))
	}
	return Unexpected(task)
}

// NewResponse builds the invocation response for event. Tasks without a
// matching result are treated as permanent failures by S3.
func NewResponse(event events.S3BatchJobEvent, results ...events.S3BatchJobResult) events.S3BatchJobResponse {
	return events.S3BatchJobResponse{
		InvocationSchemaVersion: event.InvocationSchemaVersion,
		TreatMissingKeysAs:      ResultPermanentFailure,
		InvocationID:            event.InvocationID,
		Results:                 append([]events.S3BatchJobResult{}, results...),
	}
}
