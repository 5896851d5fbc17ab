package bucketkey

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey/internal/batchjob"
	"pkt.systems/bucketkey/internal/remediate"
	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/bucketkey/internal/svcfields"
)

// Handler processes S3 Batch Operations invocations.
type Handler struct {
	engine  *remediate.Engine
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *handlerMetrics
}

// NewHandler validates cfg, opens its object store (unless one is injected
// with WithStore) and returns a ready Handler.
func NewHandler(cfg Config, opts ...Option) (*Handler, error) {
	var o handlerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store := o.store
	if store == nil {
		opened, creds, err := OpenStore(cfg, o.logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		o.logger.Info("store.opened", "store", cfg.Store, "credentials", creds.Source, "access_key", creds.AccessKey)
		store = opened
	}
	var engineOpts []remediate.Option
	if cfg.DryRun || o.dryRun {
		engineOpts = append(engineOpts, remediate.WithDryRun())
	}
	engine, err := remediate.New(store, engineOpts...)
	if err != nil {
		return nil, err
	}
	return &Handler{
		engine:  engine,
		logger:  svcfields.WithSubsystem(o.logger, svcfields.SubsystemHandler),
		tracer:  otel.Tracer("pkt.systems/bucketkey"),
		metrics: newHandlerMetrics(),
	}, nil
}

// Handle processes the first task of event and always answers with exactly
// one result for it. The only error returned is batchjob.ErrNoTasks.
func (h *Handler) Handle(ctx context.Context, event events.S3BatchJobEvent) (events.S3BatchJobResponse, error) {
	raw, err := batchjob.FirstTask(event)
	if err != nil {
		h.logger.Error("handler.no_tasks", "invocation_id", event.InvocationID, "error", err)
		return batchjob.NewResponse(event), err
	}
	if extra := len(event.Tasks) - 1; extra > 0 {
		h.logger.Warn("handler.extra_tasks_ignored", "invocation_id", event.InvocationID, "ignored", extra)
	}
	task := batchjob.DecodeTask(raw)
	logger := svcfields.WithTask(h.logger, event.InvocationID, task.TaskID, task.Bucket, task.Key)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.With("aws_request_id", lc.AwsRequestID)
	}

	ctx, span := h.tracer.Start(ctx, "bucketkey.handle", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("bucketkey.invocation_id", event.InvocationID),
		attribute.String("bucketkey.schema_version", event.InvocationSchemaVersion),
		attribute.String("bucketkey.task_id", task.TaskID),
		attribute.String("bucketkey.bucket", task.Bucket),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)

	result := h.process(ctx, task, logger)
	span.SetAttributes(attribute.String("bucketkey.result_code", result.ResultCode))
	if result.ResultCode == batchjob.ResultPermanentFailure {
		span.SetStatus(codes.Error, result.ResultString)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return batchjob.NewResponse(event, result), nil
}

func (h *Handler) process(ctx context.Context, task batchjob.Task, logger pslog.Logger) (result events.S3BatchJobResult) {
	start := time.Now()
	label, reason := "failed", ""
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler.task.panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = batchjob.Unexpected(task)
			label = "panic"
		}
		h.metrics.record(ctx, result.ResultCode, label, reason, time.Since(start))
	}()

	if task.VersionID != "" {
		logger.Debug("handler.task.version_ignored", "version_id", task.VersionID)
	}
	outcome, err := h.engine.Remediate(ctx, task.Bucket, task.Key)
	result = batchjob.FromOutcome(task, outcome, err)
	switch {
	case err != nil:
		trace.SpanFromContext(ctx).RecordError(err)
		logger.Error("handler.task.failed", "raw_key", task.RawKey, "transient", storage.IsTransient(err), "error", err)
	case outcome.Status == remediate.StatusSkipped:
		label, reason = string(outcome.Status), string(outcome.Reason)
		logger.Warn("handler.task.skipped", "reason", reason, "result", result.ResultString)
	default:
		label = string(outcome.Status)
		logger.Info("handler.task.succeeded",
			"result", result.ResultString,
			"multipart", outcome.Copy.Multipart,
			"parts", outcome.Copy.Parts,
			"elapsed", time.Since(start),
		)
	}
	return result
}
