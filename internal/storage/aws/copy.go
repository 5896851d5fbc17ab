package aws

import (
	"context"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/pslog"
)

const abortTimeout = 30 * time.Second

// CopyInPlace copies bucket/key onto itself with the encryption parameters in
// opts. Objects up to the multipart threshold are rewritten by a single
// CopyObject request; larger ones by a multipart copy.
func (s *Store) CopyInPlace(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	if opts.Source.Size > s.cfg.MultipartThreshold {
		return s.copyMultipart(ctx, bucket, key, opts)
	}
	return s.copySingle(ctx, bucket, key, opts)
}

func (s *Store) copySingle(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(bucket, key)),
		MetadataDirective: types.MetadataDirectiveCopy,
		TaggingDirective:  types.TaggingDirectiveCopy,
	}
	if sse, ok := sseAlgorithm(opts.ServerSideEncryption); ok {
		input.ServerSideEncryption = sse
		if sse != types.ServerSideEncryptionAes256 && opts.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(opts.KMSKeyID)
		}
	}
	if opts.BucketKeyEnabled {
		input.BucketKeyEnabled = aws.Bool(true)
	}
	if opts.StorageClass != "" {
		input.StorageClass = types.StorageClass(opts.StorageClass)
	}
	if opts.Source.ETag != "" {
		input.CopySourceIfMatch = aws.String(opts.Source.ETag)
	}
	logger.Trace("aws.copy_object.begin",
		"bucket", bucket,
		"key", key,
		"sse", opts.ServerSideEncryption,
		"kms_key_id", opts.KMSKeyID,
		"storage_class", opts.StorageClass,
	)
	out, err := s.client.CopyObject(ctx, input)
	if err != nil {
		logger.Debug("aws.copy_object.error", "bucket", bucket, "key", key, "error", err)
		return storage.CopyResult{}, s.wrapError(err, "aws: copy object")
	}
	res := storage.CopyResult{Parts: 1}
	if out.CopyObjectResult != nil {
		res.ETag = aws.ToString(out.CopyObjectResult.ETag)
	}
	logger.Debug("aws.copy_object.success", "bucket", bucket, "key", key, "etag", res.ETag, "elapsed", time.Since(start))
	return res, nil
}

func (s *Store) copyMultipart(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	logger := pslog.LoggerFromContext(ctx)
	start := time.Now()
	src := opts.Source

	create := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Metadata: src.UserMetadata,
	}
	if sse, ok := sseAlgorithm(opts.ServerSideEncryption); ok {
		create.ServerSideEncryption = sse
		if sse != types.ServerSideEncryptionAes256 && opts.KMSKeyID != "" {
			create.SSEKMSKeyId = aws.String(opts.KMSKeyID)
		}
	}
	if opts.BucketKeyEnabled {
		create.BucketKeyEnabled = aws.Bool(true)
	}
	if opts.StorageClass != "" {
		create.StorageClass = types.StorageClass(opts.StorageClass)
	}
	if src.ContentType != "" {
		create.ContentType = aws.String(src.ContentType)
	}
	if src.CacheControl != "" {
		create.CacheControl = aws.String(src.CacheControl)
	}
	if src.ContentDisposition != "" {
		create.ContentDisposition = aws.String(src.ContentDisposition)
	}
	if src.ContentEncoding != "" {
		create.ContentEncoding = aws.String(src.ContentEncoding)
	}
	if src.ContentLanguage != "" {
		create.ContentLanguage = aws.String(src.ContentLanguage)
	}
	tagging, err := s.objectTagging(ctx, bucket, key)
	if err != nil {
		return storage.CopyResult{}, err
	}
	if tagging != "" {
		create.Tagging = aws.String(tagging)
	}

	reqCtx, cancel := withTimeout(ctx)
	upload, err := s.client.CreateMultipartUpload(reqCtx, create)
	cancel()
	if err != nil {
		logger.Debug("aws.copy_multipart.create_error", "bucket", bucket, "key", key, "error", err)
		return storage.CopyResult{}, s.wrapError(err, "aws: create multipart upload")
	}
	uploadID := aws.ToString(upload.UploadId)
	parts := storage.PlanParts(src.Size, s.cfg.PartSize)
	logger.Trace("aws.copy_multipart.begin",
		"bucket", bucket,
		"key", key,
		"upload_id", uploadID,
		"size", src.Size,
		"parts", len(parts),
		"sequential", opts.Sequential,
	)

	completed := make([]types.CompletedPart, len(parts))
	copyPart := func(ctx context.Context, i int) error {
		part := parts[i]
		in := &s3.UploadPartCopyInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			PartNumber:      aws.Int32(part.Number),
			CopySource:      aws.String(copySource(bucket, key)),
			CopySourceRange: aws.String(part.Header()),
		}
		if src.ETag != "" {
			in.CopySourceIfMatch = aws.String(src.ETag)
		}
		reqCtx, cancel := withTimeout(ctx)
		defer cancel()
		out, err := s.client.UploadPartCopy(reqCtx, in)
		if err != nil {
			return s.wrapError(err, "aws: upload part copy")
		}
		etag := ""
		if out.CopyPartResult != nil {
			etag = aws.ToString(out.CopyPartResult.ETag)
		}
		completed[i] = types.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int32(part.Number)}
		return nil
	}
	for i := range parts {
		if err = copyPart(ctx, i); err != nil {
			break
		}
	}
	if err != nil {
		logger.Debug("aws.copy_multipart.part_error", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		s.abortUpload(ctx, bucket, key, uploadID)
		return storage.CopyResult{}, err
	}

	reqCtx, cancel = withTimeout(ctx)
	done, err := s.client.CompleteMultipartUpload(reqCtx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	cancel()
	if err != nil {
		logger.Debug("aws.copy_multipart.complete_error", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		s.abortUpload(ctx, bucket, key, uploadID)
		return storage.CopyResult{}, s.wrapError(err, "aws: complete multipart upload")
	}
	res := storage.CopyResult{ETag: aws.ToString(done.ETag), Multipart: true, Parts: len(parts)}
	logger.Debug("aws.copy_multipart.success",
		"bucket", bucket,
		"key", key,
		"etag", res.ETag,
		"parts", res.Parts,
		"elapsed", time.Since(start),
	)
	return res, nil
}

// abortUpload is detached from ctx cancellation: a failed copy must not leave
// its upload behind.
func (s *Store) abortUpload(ctx context.Context, bucket, key, uploadID string) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logger.Warn("aws.copy_multipart.abort_error", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
	}
}

// objectTagging renders the object's tag set as a URL query string. A
// multipart upload does not inherit tags the way CopyObject does.
func (s *Store) objectTagging(ctx context.Context, bucket, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", s.wrapError(err, "aws: get object tagging")
	}
	return encodeTagging(out.TagSet), nil
}

func encodeTagging(tags []types.Tag) string {
	if len(tags) == 0 {
		return ""
	}
	values := url.Values{}
	for _, tag := range tags {
		values.Set(aws.ToString(tag.Key), aws.ToString(tag.Value))
	}
	return values.Encode()
}
