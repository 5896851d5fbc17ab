package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/bucketkey/internal/storage"
)

// Store implements storage.ObjectStore in memory; intended for tests and
// local dry runs.
type Store struct {
	mu      sync.Mutex
	objects map[string]storage.ObjectMetadata
	headErr map[string]error
	copyErr map[string]error
	copies  []CopyCall
}

// CopyCall records one CopyInPlace invocation.
type CopyCall struct {
	Bucket  string
	Key     string
	Options storage.CopyOptions
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]storage.ObjectMetadata),
		headErr: make(map[string]error),
		copyErr: make(map[string]error),
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// Put seeds or replaces the metadata for bucket/key. A missing ETag is
// generated.
func (s *Store) Put(bucket, key string, meta storage.ObjectMetadata) {
	if meta.ETag == "" {
		meta.ETag = uuid.NewString()
	}
	meta.UserMetadata = maps.Clone(meta.UserMetadata)
	s.mu.Lock()
	s.objects[objectID(bucket, key)] = meta
	s.mu.Unlock()
}

// FailHead makes HeadObject for bucket/key return err. A nil err clears it.
func (s *Store) FailHead(bucket, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.headErr, objectID(bucket, key))
		return
	}
	s.headErr[objectID(bucket, key)] = err
}

// FailCopy makes CopyInPlace for bucket/key return err. A nil err clears it.
func (s *Store) FailCopy(bucket, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.copyErr, objectID(bucket, key))
		return
	}
	s.copyErr[objectID(bucket, key)] = err
}

// Copies returns the CopyInPlace calls observed so far, including failed ones.
func (s *Store) Copies() []CopyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CopyCall(nil), s.copies...)
}

// Object returns the current metadata for bucket/key.
func (s *Store) Object(bucket, key string) (storage.ObjectMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.objects[objectID(bucket, key)]
	if ok {
		meta.UserMetadata = maps.Clone(meta.UserMetadata)
	}
	return meta, ok
}

// HeadObject returns the seeded metadata for bucket/key.
func (s *Store) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := objectID(bucket, key)
	if err := s.headErr[id]; err != nil {
		return storage.ObjectMetadata{}, err
	}
	meta, ok := s.objects[id]
	if !ok {
		return storage.ObjectMetadata{}, fmt.Errorf("memory: head %s: %w", id, storage.ErrNotFound)
	}
	meta.UserMetadata = maps.Clone(meta.UserMetadata)
	return meta, nil
}

// CopyInPlace rewrites the encryption attributes of bucket/key the way S3
// does for a copy onto itself: the storage class falls back to STANDARD
// (empty) unless opts restates it.
func (s *Store) CopyInPlace(ctx context.Context, bucket, key string, opts storage.CopyOptions) (storage.CopyResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.CopyResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := objectID(bucket, key)
	s.copies = append(s.copies, CopyCall{Bucket: bucket, Key: key, Options: opts})
	if err := s.copyErr[id]; err != nil {
		return storage.CopyResult{}, err
	}
	meta, ok := s.objects[id]
	if !ok {
		return storage.CopyResult{}, fmt.Errorf("memory: copy %s: %w", id, storage.ErrNotFound)
	}
	if opts.Source.ETag != "" && opts.Source.ETag != meta.ETag {
		return storage.CopyResult{}, fmt.Errorf("memory: copy %s: %w", id, storage.ErrPreconditionFailed)
	}
	meta.ServerSideEncryption = opts.ServerSideEncryption
	meta.KMSKeyID = opts.KMSKeyID
	meta.BucketKeyEnabled = opts.BucketKeyEnabled
	meta.StorageClass = opts.StorageClass
	meta.ETag = uuid.NewString()
	s.objects[id] = meta
	return storage.CopyResult{ETag: meta.ETag}, nil
}
