package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey/internal/storage"
)

type store struct {
	inner  storage.ObjectStore
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.ObjectStore, logger pslog.Logger, sys string) storage.ObjectStore {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/bucketkey/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op, bucket, key string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "bucketkey.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("bucketkey.storage.operation", op),
		attribute.String("bucketkey.sys", s.sys),
		attribute.String("bucketkey.storage.bucket", bucket),
		attribute.Bool("bucketkey.storage.has_key", key != ""),
	)

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("bucketkey.storage.end", trace.WithAttributes(
			attribute.String("bucketkey.storage.result", result),
			attribute.Int64("bucketkey.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (s *store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectMetadata, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "head_object", bucket, key)
	defer span.End()

	logger.Trace("storage.head_object.begin", "bucket", bucket, "key", key)
	meta, err := s.inner.HeadObject(ctx, bucket, key)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.head_object.error", "bucket", bucket, "key", key, "error", err, "elapsed", time.Since(begin))
		return meta, err
	}
	span.SetAttributes(
		attribute.Int64("bucketkey.storage.size", meta.Size),
		attribute.String("bucketkey.storage.sse", meta.ServerSideEncryption),
		attribute.Bool("bucketkey.storage.bucket_key_enabled", meta.BucketKeyEnabled),
		attribute.Bool("bucketkey.storage.archived", meta.Archived()),
	)
	finish("ok", nil)
	logger.Debug("storage.head_object.success",
		"bucket", bucket,
		"key", key,
		"size", meta.Size,
		"sse", meta.ServerSideEncryption,
		"bucket_key_enabled", meta.BucketKeyEnabled,
		"elapsed", time.Since(begin),
	)
	return meta, nil
}

func (s *store) CopyInPlace(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	ctx, span, logger, begin, finish := s.start(ctx, "copy_in_place", bucket, key)
	defer span.End()

	span.SetAttributes(
		attribute.Int64("bucketkey.storage.size", opts.Source.Size),
		attribute.Bool("bucketkey.storage.sequential", opts.Sequential),
		attribute.Bool("bucketkey.storage.has_storage_class", opts.StorageClass != ""),
	)
	logger.Trace("storage.copy_in_place.begin", "bucket", bucket, "key", key, "size", opts.Source.Size)
	res, err := s.inner.CopyInPlace(ctx, bucket, key, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.copy_in_place.error",
			"bucket", bucket,
			"key", key,
			"transient", storage.IsTransient(err),
			"error", err,
			"elapsed", time.Since(begin),
		)
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("bucketkey.storage.multipart", res.Multipart),
		attribute.Int("bucketkey.storage.parts", res.Parts),
	)
	finish("ok", nil)
	logger.Debug("storage.copy_in_place.success",
		"bucket", bucket,
		"key", key,
		"etag", res.ETag,
		"multipart", res.Multipart,
		"parts", res.Parts,
		"elapsed", time.Since(begin),
	)
	return res, nil
}
