package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	smithy "github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/bucketkey/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// fakeS3 answers the handful of S3 calls the store issues.
type fakeS3 struct {
	mu          sync.Mutex
	head        http.Header
	headStatus  int
	copyStatus  int
	copyCode    string
	failPart    int
	tags        map[string]string
	requests    []recordedRequest
	inflight    int
	maxInflight int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	q := r.URL.Query()
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: q, Header: r.Header.Clone()})
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodHead:
		if f.headStatus != 0 {
			w.WriteHeader(f.headStatus)
			return
		}
		for k, v := range f.head {
			w.Header()[k] = v
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && q.Has("tagging"):
		var b strings.Builder
		b.WriteString("<Tagging><TagSet>")
		for k, v := range f.tags {
			fmt.Fprintf(&b, "<Tag><Key>%s</Key><Value>%s</Value></Tag>", k, v)
		}
		b.WriteString("</TagSet></Tagging>")
		writeXML(w, b.String())
	case r.Method == http.MethodPost && q.Has("uploads"):
		writeXML(w, "<InitiateMultipartUploadResult><Bucket>b</Bucket><Key>k</Key><UploadId>upload-1</UploadId></InitiateMultipartUploadResult>")
	case r.Method == http.MethodPut && q.Has("partNumber"):
		f.mu.Lock()
		f.inflight++
		if f.inflight > f.maxInflight {
			f.maxInflight = f.inflight
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
		part, _ := strconv.Atoi(q.Get("partNumber"))
		if part == f.failPart {
			writeError(w, http.StatusForbidden, "AccessDenied")
			return
		}
		writeXML(w, fmt.Sprintf("<CopyPartResult><ETag>\"part-%d\"</ETag></CopyPartResult>", part))
	case r.Method == http.MethodPost && q.Has("uploadId"):
		writeXML(w, "<CompleteMultipartUploadResult><Bucket>b</Bucket><Key>k</Key><ETag>\"final-3\"</ETag></CompleteMultipartUploadResult>")
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		if f.copyStatus != 0 {
			writeError(w, f.copyStatus, f.copyCode)
			return
		}
		writeXML(w, "<CopyObjectResult><ETag>\"copied\"</ETag></CopyObjectResult>")
	default:
		writeError(w, http.StatusBadRequest, "InvalidRequest")
	}
}

func (f *fakeS3) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg.Endpoint = server.URL
	cfg.Region = "us-east-1"
	cfg.ForcePathStyle = true
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestHeadObjectMapsHeaders(t *testing.T) {
	fake := &fakeS3{head: http.Header{
		"Content-Length":               {"1024"},
		"Etag":                         {`"abc"`},
		"Content-Type":                 {"text/plain"},
		"X-Amz-Meta-Team":              {"ops"},
		"X-Amz-Server-Side-Encryption": {"aws:kms"},
		"X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id":     {"arn:aws:kms:us-east-1:111122223333:key/k1"},
		"X-Amz-Server-Side-Encryption-Bucket-Key-Enabled": {"false"},
		"X-Amz-Storage-Class":                             {"STANDARD_IA"},
		"X-Amz-Archive-Status":                            {"ARCHIVE_ACCESS"},
	}}
	store := newTestStore(t, fake, Config{})
	meta, err := store.HeadObject(context.Background(), "bucket", "dir/a.txt")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if meta.Size != 1024 || meta.ETag != `"abc"` {
		t.Fatalf("unexpected size/etag: %+v", meta)
	}
	if meta.ServerSideEncryption != "aws:kms" || meta.KMSKeyID != "arn:aws:kms:us-east-1:111122223333:key/k1" {
		t.Fatalf("unexpected encryption: %+v", meta)
	}
	if meta.BucketKeyEnabled {
		t.Fatalf("bucket key should be disabled")
	}
	if meta.StorageClass != "STANDARD_IA" || meta.ArchiveStatus != "ARCHIVE_ACCESS" {
		t.Fatalf("unexpected tiering: %+v", meta)
	}
	if meta.ContentType != "text/plain" || meta.UserMetadata["team"] != "ops" {
		t.Fatalf("unexpected content headers: %+v", meta)
	}
	reqs := fake.recorded()
	if len(reqs) != 1 || reqs[0].Path != "/bucket/dir/a.txt" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestHeadObjectForbiddenIsNotNotFound(t *testing.T) {
	store := newTestStore(t, &fakeS3{headStatus: http.StatusForbidden}, Config{})
	_, err := store.HeadObject(context.Background(), "bucket", "k")
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("403 must not map to not found: %v", err)
	}
}

func TestCopySingleSendsEncryptionHeaders(t *testing.T) {
	fake := &fakeS3{}
	store := newTestStore(t, fake, Config{})
	res, err := store.CopyInPlace(context.Background(), "bucket", "dir/a b.txt", storage.CopyOptions{
		ServerSideEncryption: storage.ServerSideEncryptionKMS,
		KMSKeyID:             "key-1",
		BucketKeyEnabled:     true,
		StorageClass:         "GLACIER_IR",
		Sequential:           true,
		Source:               storage.ObjectMetadata{Size: 10, ETag: `"abc"`},
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if res.ETag != `"copied"` || res.Multipart {
		t.Fatalf("unexpected result: %+v", res)
	}
	reqs := fake.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected a single CopyObject request, got %d", len(reqs))
	}
	h := reqs[0].Header
	checks := map[string]string{
		"X-Amz-Copy-Source":                               url.PathEscape("bucket/dir/a b.txt"),
		"X-Amz-Copy-Source-If-Match":                      `"abc"`,
		"X-Amz-Server-Side-Encryption":                    "aws:kms",
		"X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id":     "key-1",
		"X-Amz-Server-Side-Encryption-Bucket-Key-Enabled": "true",
		"X-Amz-Storage-Class":                             "GLACIER_IR",
		"X-Amz-Metadata-Directive":                        "COPY",
	}
	for name, want := range checks {
		if got := h.Get(name); got != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestCopySingleOmitsUnsetStorageClass(t *testing.T) {
	fake := &fakeS3{}
	store := newTestStore(t, fake, Config{})
	_, err := store.CopyInPlace(context.Background(), "bucket", "k", storage.CopyOptions{
		ServerSideEncryption: storage.ServerSideEncryptionKMS,
		BucketKeyEnabled:     true,
		Source:               storage.ObjectMetadata{Size: 10},
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	h := fake.recorded()[0].Header
	if v := h.Get("X-Amz-Storage-Class"); v != "" {
		t.Fatalf("expected no storage class header, got %q", v)
	}
	if v := h.Get("X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id"); v != "" {
		t.Fatalf("expected no key id header, got %q", v)
	}
}

func TestCopySinglePreconditionFailed(t *testing.T) {
	store := newTestStore(t, &fakeS3{copyStatus: http.StatusPreconditionFailed, copyCode: "PreconditionFailed"}, Config{})
	_, err := store.CopyInPlace(context.Background(), "bucket", "k", storage.CopyOptions{Source: storage.ObjectMetadata{Size: 1, ETag: `"old"`}})
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestCopyMultipartIsSequentialAndCarriesHeaders(t *testing.T) {
	fake := &fakeS3{tags: map[string]string{"team": "ops"}}
	store := newTestStore(t, fake, Config{MultipartThreshold: 1, PartSize: storage.MinPartSize})
	size := 2*storage.MinPartSize + 10
	res, err := store.CopyInPlace(context.Background(), "bucket", "big.bin", storage.CopyOptions{
		ServerSideEncryption: storage.ServerSideEncryptionKMS,
		KMSKeyID:             "key-1",
		BucketKeyEnabled:     true,
		StorageClass:         "STANDARD_IA",
		Sequential:           true,
		Source: storage.ObjectMetadata{
			Size:         size,
			ETag:         `"src"`,
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{"owner": "data"},
		},
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !res.Multipart || res.Parts != 3 || res.ETag != `"final-3"` {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fake.maxInflight != 1 {
		t.Fatalf("expected sequential part copies, saw %d in flight", fake.maxInflight)
	}
	var create *recordedRequest
	var ranges []string
	var completed bool
	for _, req := range fake.recorded() {
		switch {
		case req.Method == http.MethodPost && req.Query.Has("uploads"):
			create = &req
		case req.Method == http.MethodPut && req.Query.Has("partNumber"):
			ranges = append(ranges, req.Header.Get("X-Amz-Copy-Source-Range"))
			if req.Header.Get("X-Amz-Copy-Source-If-Match") != `"src"` {
				t.Fatalf("part copy missing source precondition")
			}
		case req.Method == http.MethodPost && req.Query.Has("uploadId"):
			completed = true
		}
	}
	if create == nil || !completed {
		t.Fatalf("expected create and complete requests")
	}
	wantCreate := map[string]string{
		"X-Amz-Server-Side-Encryption":                    "aws:kms",
		"X-Amz-Server-Side-Encryption-Aws-Kms-Key-Id":     "key-1",
		"X-Amz-Server-Side-Encryption-Bucket-Key-Enabled": "true",
		"X-Amz-Storage-Class":                             "STANDARD_IA",
		"Content-Type":                                    "application/octet-stream",
		"X-Amz-Meta-Owner":                                "data",
		"X-Amz-Tagging":                                   "team=ops",
	}
	for name, want := range wantCreate {
		if got := create.Header.Get(name); got != want {
			t.Fatalf("create %s = %q, want %q", name, got, want)
		}
	}
	wantRanges := []string{
		"bytes=0-5242879",
		"bytes=5242880-10485759",
		fmt.Sprintf("bytes=10485760-%d", size-1),
	}
	if strings.Join(ranges, ",") != strings.Join(wantRanges, ",") {
		t.Fatalf("unexpected ranges %v", ranges)
	}
}

func TestCopyMultipartAbortsOnPartFailure(t *testing.T) {
	fake := &fakeS3{failPart: 2}
	store := newTestStore(t, fake, Config{MultipartThreshold: 1})
	_, err := store.CopyInPlace(context.Background(), "bucket", "big.bin", storage.CopyOptions{
		ServerSideEncryption: storage.ServerSideEncryptionKMS,
		BucketKeyEnabled:     true,
		Sequential:           true,
		Source:               storage.ObjectMetadata{Size: 3 * storage.MinPartSize},
	})
	if err == nil {
		t.Fatalf("expected part failure")
	}
	var aborted, completed bool
	parts := 0
	for _, req := range fake.recorded() {
		switch {
		case req.Method == http.MethodDelete && req.Query.Get("uploadId") == "upload-1":
			aborted = true
		case req.Method == http.MethodPost && req.Query.Has("uploadId"):
			completed = true
		case req.Method == http.MethodPut && req.Query.Has("partNumber"):
			parts++
		}
	}
	if !aborted || completed {
		t.Fatalf("expected abort without complete (aborted=%v completed=%v)", aborted, completed)
	}
	if parts != 2 {
		t.Fatalf("expected copying to stop at the failed part, saw %d part requests", parts)
	}
}

func TestHeadObjectNotFoundAgainstFakeS3(t *testing.T) {
	backend := s3mem.New()
	if err := backend.CreateBucket("bucketkey-test"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	store := newTestStore(t, gofakes3.New(backend).Server(), Config{})
	ctx := context.Background()
	if _, err := store.HeadObject(ctx, "bucketkey-test", "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing key, got %v", err)
	}
	if _, err := store.HeadObject(ctx, "no-such-bucket", "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing bucket, got %v", err)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&smithy.GenericAPIError{Code: "SlowDown"}, true},
		{&smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{context.DeadlineExceeded, true},
		{io.ErrUnexpectedEOF, true},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestEncodeTagging(t *testing.T) {
	if encodeTagging(nil) != "" {
		t.Fatalf("expected empty tagging")
	}
}

func TestNewClampsCopyThresholds(t *testing.T) {
	store := newTestStore(t, &fakeS3{}, Config{MultipartThreshold: 10 << 40, PartSize: 1})
	cfg := store.Config()
	if cfg.MultipartThreshold != storage.MaxSingleCopySize {
		t.Fatalf("threshold not clamped: %d", cfg.MultipartThreshold)
	}
	if cfg.PartSize != storage.MinPartSize {
		t.Fatalf("part size not clamped: %d", cfg.PartSize)
	}
}
