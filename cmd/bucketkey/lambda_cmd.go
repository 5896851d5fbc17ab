package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey"
	"pkt.systems/bucketkey/internal/svcfields"
	"pkt.systems/bucketkey/internal/version"
)

const flushTimeout = 5 * time.Second

func newLambdaCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve S3 Batch Operations invocations from the Lambda runtime API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd, baseLogger)
		},
	}
}

// openHandler installs telemetry and builds a Handler from env.
func openHandler(ctx context.Context, env runtimeEnv, opts ...bucketkey.Option) (*bucketkey.Handler, *bucketkey.Telemetry, error) {
	tel, err := bucketkey.SetupTelemetry(ctx, env.cfg.OTLPEndpoint, svcfields.WithSubsystem(env.logger, "telemetry"))
	if err != nil {
		return nil, nil, err
	}
	h, err := bucketkey.NewHandler(env.cfg, append([]bucketkey.Option{bucketkey.WithLogger(env.logger)}, opts...)...)
	if err != nil {
		shutdownTelemetry(tel, env.logger)
		return nil, nil, err
	}
	return h, tel, nil
}

func shutdownTelemetry(tel *bucketkey.Telemetry, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry.shutdown.error", "error", err)
	}
}

func runLambda(cmd *cobra.Command, baseLogger pslog.Logger) error {
	cmd.SilenceUsage = true
	if _, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API"); !ok {
		return errors.New("AWS_LAMBDA_RUNTIME_API is not set; use \"bucketkey invoke\" to run outside Lambda")
	}
	env, err := prepare(baseLogger)
	if err != nil {
		return err
	}
	logger := svcfields.WithSubsystem(env.logger, svcfields.SubsystemRuntime)
	ctx := cmd.Context()
	h, tel, err := openHandler(ctx, env)
	if err != nil {
		return err
	}
	logger.Info("lambda.start",
		"version", version.Current(),
		"store", env.cfg.Store,
		"dry_run", env.cfg.DryRun,
		"copy_multipart_threshold", humanizeBytes(env.cfg.CopyMultipartThreshold),
		"copy_part_size", humanizeBytes(env.cfg.CopyPartSize),
		"telemetry", tel != nil,
	)

	handle := func(ctx context.Context, event events.S3BatchJobEvent) (events.S3BatchJobResponse, error) {
		resp, err := h.Handle(ctx, event)
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if ferr := tel.ForceFlush(flushCtx); ferr != nil {
			logger.Warn("telemetry.flush.error", "error", ferr)
		}
		return resp, err
	}
	lambda.StartWithOptions(handle,
		lambda.WithContext(ctx),
		lambda.WithEnableSIGTERM(func() {
			logger.Info("lambda.sigterm")
			shutdownTelemetry(tel, logger)
		}),
	)
	return nil
}
