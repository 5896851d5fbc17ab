// Package svcfields holds the log field keys and subsystem names shared by the
// handler, the engine and the storage backends.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystems used across bucketkey.
const (
	SubsystemHandler   = "lambda.handler"
	SubsystemRemediate = "remediate"
	SubsystemRuntime   = "lambda.runtime"
	SubsystemCLI       = "cli"
)

// Subsystem joins parts into a dot-delimited subsystem path, dropping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTask tags logger with the identifiers of one batch task.
func WithTask(logger pslog.Logger, invocationID, taskID, bucket, key string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(
		"invocation_id", invocationID,
		"task_id", taskID,
		"bucket", bucket,
		"key", key,
	)
}
