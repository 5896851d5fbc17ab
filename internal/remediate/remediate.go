// Package remediate enables the S3 Bucket Key on a single SSE-KMS object by
// copying it onto itself with the same KMS key.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/bucketkey/internal/svcfields"
)

// Status is the terminal state of a successful Remediate call.
type Status string

const (
	// StatusRemediated means the object was rewritten with the bucket key.
	StatusRemediated Status = "remediated"
	// StatusSkipped means the object was left untouched; see Outcome.Reason.
	StatusSkipped Status = "skipped"
	// StatusEligible means a dry run found the object eligible.
	StatusEligible Status = "eligible"
)

// Outcome describes what Remediate did to an object.
type Outcome struct {
	Status   Status
	Reason   SkipReason
	Metadata storage.ObjectMetadata
	Copy     storage.CopyResult
}

// Engine runs the fetch, validate and copy sequence against an ObjectStore.
type Engine struct {
	store  storage.ObjectStore
	dryRun bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDryRun stops Remediate after validation.
func WithDryRun() Option {
	return func(e *Engine) { e.dryRun = true }
}

// New returns an Engine backed by store.
func New(store storage.ObjectStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("remediate: object store is required")
	}
	e := &Engine{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Remediate inspects bucket/key and, when eligible, copies it in place with
// the bucket key enabled. A skip is not an error. Every error, including a
// missing object, is permanent from the caller's point of view.
func (e *Engine) Remediate(ctx context.Context, bucket, key string) (Outcome, error) {
	logger := svcfields.WithSubsystem(pslog.LoggerFromContext(ctx), svcfields.SubsystemRemediate)
	start := time.Now()
	logger.Info("remediate.begin")

	meta, err := e.store.HeadObject(ctx, bucket, key)
	if err != nil {
		logger.Debug("remediate.head_error", "transient", storage.IsTransient(err), "error", err)
		return Outcome{}, fmt.Errorf("looking up %s: %w", key, err)
	}
	outcome := Outcome{Metadata: meta}

	verdict := Validate(meta)
	if !verdict.Eligible {
		outcome.Status = StatusSkipped
		outcome.Reason = verdict.Reason
		logger.Debug("remediate.skip", "reason", string(verdict.Reason))
		return outcome, nil
	}
	if e.dryRun {
		outcome.Status = StatusEligible
		logger.Debug("remediate.dry_run", "kms_key_id", meta.KMSKeyID, "storage_class", meta.StorageClass)
		return outcome, nil
	}

	opts := storage.CopyOptions{
		ServerSideEncryption: storage.ServerSideEncryptionKMS,
		KMSKeyID:             meta.KMSKeyID,
		BucketKeyEnabled:     true,
		StorageClass:         meta.StorageClass,
		Sequential:           true,
		Source:               meta,
	}
	res, err := e.store.CopyInPlace(ctx, bucket, key, opts)
	if err != nil {
		logger.Debug("remediate.copy_error", "transient", storage.IsTransient(err), "error", err)
		return Outcome{}, fmt.Errorf("copying %s: %w", key, err)
	}
	outcome.Status = StatusRemediated
	outcome.Copy = res
	logger.Debug("remediate.copied",
		"kms_key_id", meta.KMSKeyID,
		"storage_class", meta.StorageClass,
		"multipart", res.Multipart,
		"parts", res.Parts,
		"elapsed", time.Since(start),
	)
	return outcome, nil
}
