package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func newInvokeCommand(baseLogger pslog.Logger) *cobra.Command {
	var eventPath string
	var bucketARN string
	var key string
	var versionID string

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one S3 Batch Operations invocation locally and print the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			event, err := loadInvokeEvent(cmd.InOrStdin(), eventPath, bucketARN, key, versionID)
			if err != nil {
				return err
			}
			env, err := prepare(baseLogger)
			if err != nil {
				return err
			}
			h, tel, err := openHandler(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, env.logger)

			resp, handleErr := h.Handle(cmd.Context(), event)
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out); err != nil {
				return err
			}
			return handleErr
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "S3 Batch Operations event JSON file (\"-\" reads stdin)")
	cmd.Flags().StringVar(&bucketARN, "bucket-arn", "", "bucket ARN of a synthesized single-task event (arn:aws:s3:::bucket)")
	cmd.Flags().StringVar(&key, "key", "", "object key of a synthesized event, percent-encoded as in an inventory manifest")
	cmd.Flags().StringVar(&versionID, "version-id", "", "object version id of a synthesized event")
	return cmd
}

func loadInvokeEvent(stdin io.Reader, eventPath, bucketARN, key, versionID string) (events.S3BatchJobEvent, error) {
	var event events.S3BatchJobEvent
	synthesize := bucketARN != "" || key != ""
	switch {
	case eventPath != "" && synthesize:
		return event, errors.New("--event is mutually exclusive with --bucket-arn/--key")
	case eventPath != "":
		r := stdin
		if eventPath != "-" {
			path, err := expandPath(eventPath)
			if err != nil {
				return event, fmt.Errorf("expand event path %q: %w", eventPath, err)
			}
			f, err := os.Open(path)
			if err != nil {
				return event, fmt.Errorf("open event: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&event); err != nil {
			return event, fmt.Errorf("decode event: %w", err)
		}
		return event, nil
	case bucketARN == "" || key == "":
		return event, errors.New("either --event or both --bucket-arn and --key are required")
	}
	return synthesizeEvent(bucketARN, key, versionID), nil
}

func synthesizeEvent(bucketARN, key, versionID string) events.S3BatchJobEvent {
	if !strings.HasPrefix(bucketARN, "arn:") {
		bucketARN = "arn:aws:s3:::" + bucketARN
	}
	if _, err := url.PathUnescape(key); err != nil {
		key = url.PathEscape(key)
	}
	return events.S3BatchJobEvent{
		InvocationSchemaVersion: "1.0",
		InvocationID:            uuid.NewString(),
		Job:                     events.S3BatchJob{ID: uuid.NewString()},
		Tasks: []events.S3BatchJobTask{{
			TaskID:      uuid.NewString(),
			S3Key:       key,
			S3VersionID: versionID,
			S3BucketARN: bucketARN,
		}},
	}
}
