package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey"
	"pkt.systems/bucketkey/internal/remediate"
	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/bucketkey/internal/svcfields"
)

func newCheckCommand(baseLogger pslog.Logger) *cobra.Command {
	var bucket string
	var key string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether an object would get the bucket key, without copying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if strings.TrimSpace(bucket) == "" || key == "" {
				return errors.New("--bucket and --key are required")
			}
			env, err := prepare(baseLogger)
			if err != nil {
				return err
			}
			if err := env.cfg.Validate(); err != nil {
				return err
			}
			logger := svcfields.WithSubsystem(env.logger, svcfields.Subsystem(svcfields.SubsystemCLI, "check"))
			store, _, err := bucketkey.OpenStore(env.cfg, logger)
			if err != nil {
				return err
			}
			meta, err := store.HeadObject(cmd.Context(), bucket, key)
			if err != nil {
				return fmt.Errorf("looking up %s: %w", key, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), formatVerdict(bucket, key, meta, remediate.Validate(meta)))
			return err
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket name")
	cmd.Flags().StringVar(&key, "key", "", "object key (not percent-encoded)")
	return cmd
}

func formatVerdict(bucket, key string, meta storage.ObjectMetadata, verdict remediate.Eligibility) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s: ", bucket, key)
	if verdict.Eligible {
		b.WriteString("eligible")
	} else {
		fmt.Fprintf(&b, "skip (%s %s)", key, verdict.Reason)
	}
	fmt.Fprintf(&b, " size=%s", humanizeBytes(meta.Size))
	if meta.ServerSideEncryption != "" {
		fmt.Fprintf(&b, " sse=%s", meta.ServerSideEncryption)
	}
	if meta.KMSKeyID != "" {
		fmt.Fprintf(&b, " kms_key_id=%s", meta.KMSKeyID)
	}
	fmt.Fprintf(&b, " bucket_key=%t", meta.BucketKeyEnabled)
	if meta.StorageClass != "" {
		fmt.Fprintf(&b, " storage_class=%s", meta.StorageClass)
	}
	if meta.ArchiveStatus != "" {
		fmt.Fprintf(&b, " archive_status=%s", meta.ArchiveStatus)
	}
	return b.String()
}
