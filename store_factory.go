package bucketkey

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey/internal/storage"
	awsstore "pkt.systems/bucketkey/internal/storage/aws"
	"pkt.systems/bucketkey/internal/storage/logging"
	"pkt.systems/bucketkey/internal/storage/memory"
	"pkt.systems/bucketkey/internal/storage/s3"
	"pkt.systems/bucketkey/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore builds the object store named by cfg.Store and decorates it with
// tracing and debug logging. cfg must have been validated.
func OpenStore(cfg Config, logger pslog.Logger) (storage.ObjectStore, CredentialSummary, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	var (
		inner   storage.ObjectStore
		summary CredentialSummary
		sys     string
	)
	switch u.Scheme {
	case "memory", "mem":
		inner = memory.New()
		summary.Source = "none"
		sys = "storage.memory"
	case "aws":
		awsCfg, sum, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, sum, err
		}
		awsCfg.Transport = func(rt http.RoundTripper) http.RoundTripper { return otelhttp.NewTransport(rt) }
		store, err := awsstore.New(awsCfg)
		if err != nil {
			return nil, sum, err
		}
		resolved := store.Config()
		logger.Debug("store.aws.configured",
			"region", resolved.Region,
			"endpoint", resolved.Endpoint,
			"path_style", resolved.ForcePathStyle,
			"copy_multipart_threshold", resolved.MultipartThreshold,
			"copy_part_size", resolved.PartSize,
		)
		inner, summary, sys = store, sum, "storage.aws"
	case "s3":
		s3Cfg, sum, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, sum, err
		}
		s3Cfg.Transport = otelhttp.NewTransport(http.DefaultTransport)
		store, err := s3.New(s3Cfg)
		if err != nil {
			return nil, sum, err
		}
		inner, summary, sys = store, sum, "storage.s3"
	default:
		return nil, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return logging.Wrap(inner, svcfields.WithSubsystem(logger, sys), sys), summary, nil
}

// BuildAWSConfig parses aws:// URLs (aws://?region=eu-north-1&endpoint=host:port&path-style=1).
// The bucket is not part of the URL: every task names its own.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	insecure := queryBool(query, "insecure")
	return awsstore.Config{
		Region:             region,
		Endpoint:           strings.TrimSpace(query.Get("endpoint")),
		ForcePathStyle:     queryBool(query, "path-style"),
		Insecure:           insecure,
		MultipartThreshold: cfg.CopyMultipartThreshold,
		PartSize:           cfg.CopyPartSize,
	}, resolveAWSCredentials(), nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible
// services (s3://host:port?insecure=1&path-style=1&region=us-east-1).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if queryBool(query, "insecure") {
		secure = false
	}
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:           endpoint,
		Region:             region,
		Insecure:           !secure,
		ForcePathStyle:     queryBool(query, "path-style"),
		MultipartThreshold: cfg.CopyMultipartThreshold,
		CustomCreds:        cred,
	}, summary, nil
}

func queryBool(query url.Values, name string) bool {
	v := query.Get(name)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	if accessKey == "" && secretKey == "" {
		return nil, CredentialSummary{Source: "chain:env,file,iam"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: "config"}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, cfg.S3SessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}
