package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3-compatible object store.
type Config struct {
	Endpoint       string
	Region         string
	Insecure       bool
	ForcePathStyle bool
	// MultipartThreshold is the largest object rewritten with one CopyObject
	// request. It is capped at storage.MaxSingleCopySize.
	MultipartThreshold int64
	CustomCreds        *credentials.Credentials
	Transport          http.RoundTripper
}

// Store implements storage.ObjectStore on top of minio-go, for MinIO and
// other S3-compatible services.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.MultipartThreshold <= 0 || cfg.MultipartThreshold > storage.MaxSingleCopySize {
		cfg.MultipartThreshold = storage.MaxSingleCopySize
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
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
	return clone
}

// HeadObject stats bucket/key and reads the encryption headers from the
// response.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectMetadata, error) {
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	logger.Trace("s3.head_object.begin", "bucket", bucket, "key", key)

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			logger.Debug("s3.head_object.not_found", "bucket", bucket, "key", key, "elapsed", time.Since(start))
			return storage.ObjectMetadata{}, fmt.Errorf("s3: head object: %w: %v", storage.ErrNotFound, err)
		}
		logger.Debug("s3.head_object.error", "bucket", bucket, "key", key, "error", err)
		return storage.ObjectMetadata{}, s.wrapError(err, "s3: head object")
	}
	meta := objectMetadata(info)
	logger.Debug("s3.head_object.success",
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

func objectMetadata(info minio.ObjectInfo) storage.ObjectMetadata {
	h := info.Metadata
	meta := storage.ObjectMetadata{
		Size:                 info.Size,
		ETag:                 info.ETag,
		ServerSideEncryption: h.Get(headerSSE),
		KMSKeyID:             h.Get(headerSSEKMSKeyID),
		BucketKeyEnabled:     strings.EqualFold(h.Get(headerBucketKeyEnabled), "true"),
		ArchiveStatus:        h.Get("X-Amz-Archive-Status"),
		StorageClass:         info.StorageClass,
		ContentType:          info.ContentType,
		CacheControl:         h.Get("Cache-Control"),
		ContentDisposition:   h.Get("Content-Disposition"),
		ContentEncoding:      h.Get("Content-Encoding"),
		ContentLanguage:      h.Get("Content-Language"),
	}
	if meta.StorageClass == "" {
		meta.StorageClass = h.Get(headerStorageClass)
	}
	if len(info.UserMetadata) > 0 {
		meta.UserMetadata = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			meta.UserMetadata[strings.ToLower(k)] = v
		}
	}
	return meta
}

func isNotFound(err error) bool {
	errResp := minio.ToErrorResponse(err)
	switch errResp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return errResp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusPreconditionFailed || errResp.Code == "PreconditionFailed"
	}
	return false
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
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "KMS.ThrottlingException":
		return true
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
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
