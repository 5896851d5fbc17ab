package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ServerSideEncryptionKMS is the only server-side encryption algorithm that
// supports S3 Bucket Keys.
const ServerSideEncryptionKMS = "aws:kms"

// MaxSingleCopySize is the largest object S3 copies with a single CopyObject
// request (5 GiB).
const MaxSingleCopySize int64 = 5 << 30

// MinPartSize is the smallest multipart part size S3 accepts (5 MiB).
const MinPartSize int64 = 5 << 20

// MaxParts is the maximum number of parts in a multipart upload.
const MaxParts = 10000

// ErrNotFound indicates the requested bucket or object is missing.
var (
	ErrNotFound           = errors.New("storage: not found")
	ErrPreconditionFailed = errors.New("storage: precondition failed")
)

// ObjectStore is the object storage collaborator used by the remediation
// engine. Implementations address objects by bucket and key on every call.
type ObjectStore interface {
	// HeadObject returns a fresh snapshot of the object's metadata. It returns
	// ErrNotFound when the bucket or object does not exist.
	HeadObject(ctx context.Context, bucket, key string) (ObjectMetadata, error)
	// CopyInPlace copies the object onto itself, applying opts. The content is
	// unchanged; only encryption parameters and storage class are rewritten.
	CopyInPlace(ctx context.Context, bucket, key string, opts CopyOptions) (CopyResult, error)
}

// ObjectMetadata captures the parts of a HEAD response the remediation cares
// about, plus the content headers a multipart copy has to carry forward.
type ObjectMetadata struct {
	Size                 int64
	ETag                 string
	ServerSideEncryption string
	KMSKeyID             string
	BucketKeyEnabled     bool
	// ArchiveStatus is empty unless the object sits in an Intelligent-Tiering
	// archive access tier.
	ArchiveStatus string
	// StorageClass is empty when the backend omitted it (STANDARD on AWS).
	StorageClass string

	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	UserMetadata       map[string]string
}

// KMSEncrypted reports whether the object uses SSE-KMS.
func (m ObjectMetadata) KMSEncrypted() bool {
	return m.ServerSideEncryption == ServerSideEncryptionKMS
}

// Archived reports whether the object is in an archive tier.
func (m ObjectMetadata) Archived() bool {
	return strings.TrimSpace(m.ArchiveStatus) != ""
}

// CopyOptions controls an in-place copy.
type CopyOptions struct {
	// ServerSideEncryption is the algorithm to apply to the new copy.
	ServerSideEncryption string
	// KMSKeyID is re-applied verbatim; an empty value lets S3 pick the
	// bucket default key.
	KMSKeyID         string
	BucketKeyEnabled bool
	// StorageClass is sent only when non-empty. S3 does not carry the storage
	// class across a copy on its own.
	StorageClass string
	// Sequential forbids parallel part transfers during multipart copies.
	Sequential bool
	// Source is the metadata observed before the copy. Backends use its ETag
	// as a copy precondition, its size to choose the copy strategy, and its
	// content headers when a multipart copy has to restate them.
	Source ObjectMetadata
}

// CopyResult describes the rewritten object.
type CopyResult struct {
	ETag      string
	Multipart bool
	Parts     int
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable by a caller that chooses to retry.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// PlanParts splits size bytes into sequential part ranges no larger than
// partSize, growing the part size when the object would otherwise exceed
// MaxParts parts.
func PlanParts(size, partSize int64) []PartRange {
	if size <= 0 {
		return nil
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	for (size+partSize-1)/partSize > MaxParts {
		partSize *= 2
	}
	parts := make([]PartRange, 0, (size+partSize-1)/partSize)
	for start, n := int64(0), int32(1); start < size; start, n = start+partSize, n+1 {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		parts = append(parts, PartRange{Number: n, First: start, Last: end})
	}
	return parts
}

// PartRange is an inclusive byte range copied as one multipart part.
type PartRange struct {
	Number int32
	First  int64
	Last   int64
}

// Header renders the range as an HTTP Range / x-amz-copy-source-range value.
func (p PartRange) Header() string {
	return "bytes=" + strconv.FormatInt(p.First, 10) + "-" + strconv.FormatInt(p.Last, 10)
}
