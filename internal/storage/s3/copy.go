package s3

import (
	"context"
	"maps"
	"net/http"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/pslog"
)

const (
	headerSSE              = "X-Amz-Server-Side-Encryption"
	headerSSEKMSKeyID      = "X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"
	headerBucketKeyEnabled = "X-Amz-Server-Side-Encryption-Bucket-Key-Enabled"
	headerStorageClass     = "X-Amz-Storage-Class"
)

// copyHeaders is the destination encryption for a copy. minio-go has no
// CopyDestOptions field for the bucket key flag or the storage class, so both
// ride along with the KMS headers.
type copyHeaders struct {
	algorithm    string
	kmsKeyID     string
	bucketKey    bool
	storageClass string
}

var _ encrypt.ServerSide = copyHeaders{}

func (c copyHeaders) Type() encrypt.Type {
	if c.algorithm == "AES256" {
		return encrypt.S3
	}
	return encrypt.KMS
}

func (c copyHeaders) Marshal(h http.Header) {
	if c.algorithm != "" {
		h.Set(headerSSE, c.algorithm)
	}
	if c.kmsKeyID != "" && c.algorithm != "AES256" {
		h.Set(headerSSEKMSKeyID, c.kmsKeyID)
	}
	if c.bucketKey {
		h.Set(headerBucketKeyEnabled, "true")
	}
	if c.storageClass != "" {
		h.Set(headerStorageClass, c.storageClass)
	}
}

func destination(bucket, key string, opts storage.CopyOptions) minio.CopyDestOptions {
	return minio.CopyDestOptions{
		Bucket: bucket,
		Object: key,
		Encryption: copyHeaders{
			algorithm:    opts.ServerSideEncryption,
			kmsKeyID:     opts.KMSKeyID,
			bucketKey:    opts.BucketKeyEnabled,
			storageClass: opts.StorageClass,
		},
	}
}

// CopyInPlace copies bucket/key onto itself with the encryption parameters in
// opts. Objects above the multipart threshold go through ComposeObject, which
// copies parts one after another.
func (s *Store) CopyInPlace(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	src := minio.CopySrcOptions{Bucket: bucket, Object: key, MatchETag: opts.Source.ETag}
	dst := destination(bucket, key, opts)
	multipart := opts.Source.Size > s.cfg.MultipartThreshold

	logger.Trace("s3.copy_object.begin",
		"bucket", bucket,
		"key", key,
		"sse", opts.ServerSideEncryption,
		"kms_key_id", opts.KMSKeyID,
		"storage_class", opts.StorageClass,
		"multipart", multipart,
	)
	var (
		info minio.UploadInfo
		err  error
	)
	if multipart {
		if err = s.carryMetadata(ctx, &dst, opts.Source); err != nil {
			return storage.CopyResult{}, err
		}
		info, err = s.client.ComposeObject(ctx, dst, src)
	} else {
		info, err = s.client.CopyObject(ctx, dst, src)
	}
	if err != nil {
		logger.Debug("s3.copy_object.error", "bucket", bucket, "key", key, "multipart", multipart, "error", err)
		return storage.CopyResult{}, s.wrapError(err, "s3: copy object")
	}
	res := storage.CopyResult{ETag: info.ETag, Multipart: multipart, Parts: 1}
	if multipart {
		res.Parts = len(storage.PlanParts(opts.Source.Size, storage.MaxSingleCopySize))
	}
	logger.Debug("s3.copy_object.success", "bucket", bucket, "key", key, "etag", res.ETag, "elapsed", time.Since(start))
	return res, nil
}

// carryMetadata restates the source's content headers, user metadata and tags
// on a composed destination, which otherwise starts out bare.
func (s *Store) carryMetadata(ctx context.Context, dst *minio.CopyDestOptions, src storage.ObjectMetadata) error {
	meta := maps.Clone(src.UserMetadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	for name, value := range map[string]string{
		"Content-Type":        src.ContentType,
		"Cache-Control":       src.CacheControl,
		"Content-Disposition": src.ContentDisposition,
		"Content-Encoding":    src.ContentEncoding,
		"Content-Language":    src.ContentLanguage,
	} {
		if value != "" {
			meta[name] = value
		}
	}
	dst.UserMetadata = meta
	dst.ReplaceMetadata = true

	tagging, err := s.client.GetObjectTagging(ctx, dst.Bucket, dst.Object, minio.GetObjectTaggingOptions{})
	if err != nil {
		return s.wrapError(err, "s3: get object tagging")
	}
	if tagMap := tagging.ToMap(); len(tagMap) > 0 {
		dst.UserTags = tagMap
		dst.ReplaceTags = true
	}
	return nil
}
