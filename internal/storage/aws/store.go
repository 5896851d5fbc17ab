package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 object store.
type Config struct {
	// Region falls back to the SDK default chain (AWS_REGION in Lambda).
	Region string
	// Endpoint overrides the S3 endpoint (LocalStack, tests).
	Endpoint       string
	ForcePathStyle bool
	Insecure       bool
	// MultipartThreshold is the largest object copied with one CopyObject
	// request. It is capped at storage.MaxSingleCopySize.
	MultipartThreshold int64
	// PartSize is the UploadPartCopy range size for larger objects.
	PartSize int64
	// Transport wraps the HTTP transport used by the SDK (tracing).
	Transport func(http.RoundTripper) http.RoundTripper
}

// Store implements storage.ObjectStore backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = 5 * time.Minute

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.MultipartThreshold <= 0 || cfg.MultipartThreshold > storage.MaxSingleCopySize {
		cfg.MultipartThreshold = storage.MaxSingleCopySize
	}
	if cfg.PartSize < storage.MinPartSize {
		cfg.PartSize = storage.MinPartSize
	}

	var transport http.RoundTripper = defaultTransport(cfg.Insecure)
	if cfg.Transport != nil {
		transport = cfg.Transport(transport)
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	}
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	if awsCfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required (set --aws-region or AWS_REGION)")
	}
	cfg.Region = awsCfg.Region

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// HeadObject fetches the current metadata for bucket/key.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectMetadata, error) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	logger.Trace("aws.head_object.begin", "bucket", bucket, "key", key)

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			logger.Debug("aws.head_object.not_found", "bucket", bucket, "key", key, "elapsed", time.Since(start))
			return storage.ObjectMetadata{}, fmt.Errorf("aws: head object: %w: %v", storage.ErrNotFound, err)
		}
		logger.Debug("aws.head_object.error", "bucket", bucket, "key", key, "error", err)
		return storage.ObjectMetadata{}, s.wrapError(err, "aws: head object")
	}
	meta := storage.ObjectMetadata{
		Size:                 aws.ToInt64(out.ContentLength),
		ETag:                 aws.ToString(out.ETag),
		ServerSideEncryption: string(out.ServerSideEncryption),
		KMSKeyID:             aws.ToString(out.SSEKMSKeyId),
		BucketKeyEnabled:     aws.ToBool(out.BucketKeyEnabled),
		ArchiveStatus:        string(out.ArchiveStatus),
		StorageClass:         string(out.StorageClass),
		ContentType:          aws.ToString(out.ContentType),
		CacheControl:         aws.ToString(out.CacheControl),
		ContentDisposition:   aws.ToString(out.ContentDisposition),
		ContentEncoding:      aws.ToString(out.ContentEncoding),
		ContentLanguage:      aws.ToString(out.ContentLanguage),
		UserMetadata:         out.Metadata,
	}
	logger.Debug("aws.head_object.success",
		"bucket", bucket,
		"key", key,
		"size", meta.Size,
		"sse", meta.ServerSideEncryption,
		"bucket_key_enabled", meta.BucketKeyEnabled,
		"storage_class", meta.StorageClass,
		"elapsed", time.Since(start),
	)
	return meta, nil
}

func copySource(bucket, key string) string {
	return url.PathEscape(bucket + "/" + key)
}

func sseAlgorithm(mode string) (types.ServerSideEncryption, bool) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "AES256":
		return types.ServerSideEncryptionAes256, true
	case "AWS:KMS", "KMS":
		return types.ServerSideEncryptionAwsKms, true
	case "AWS:KMS:DSSE":
		return types.ServerSideEncryptionAwsKmsDsse, true
	}
	return "", false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if isPreconditionFailed(err) {
		err = fmt.Errorf("%w: %v", storage.ErrPreconditionFailed, err)
	}
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "KMS.ThrottlingException":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "PreconditionFailed" {
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed
	}
	return false
}
