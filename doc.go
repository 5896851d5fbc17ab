// Package bucketkey exposes the S3 Batch Operations handler that enables the
// S3 Bucket Key on SSE-KMS encrypted objects. Each invocation carries one
// task naming one object; the handler inspects the object and, when it is a
// non-empty, KMS-encrypted, non-archived object without a bucket key, copies
// it onto itself with the same KMS key and the bucket key enabled.
//
// # Running the handler
//
//	cfg := bucketkey.Config{Store: "aws://"}
//	h, err := bucketkey.NewHandler(cfg, bucketkey.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	lambda.Start(h.Handle)
//
// `cmd/bucketkey` wraps this in a CLI that also runs single invocations
// locally (`bucketkey invoke`) and checks an object without copying it
// (`bucketkey check`).
//
// # Results
//
// Every invocation answers with exactly one result for its first task:
//
//   - Succeeded, "Successfully enabled bucket key for <key>." after a copy.
//   - Succeeded, "Skipped key: <key> - <key> <reason>" when the object is
//     empty, not SSE-KMS encrypted, archived, or already has the bucket key.
//   - PermanentFailure with the backend error when the object cannot be
//     looked up or copied, or a generic message when processing panicked.
//
// The response sets treatMissingKeysAs to PermanentFailure. Transient backend
// errors are logged with `transient=true` but are still reported as permanent;
// S3 Batch Operations does not retry them.
//
// # Stores
//
// `Config.Store` selects the backend:
//
//   - `aws://` uses the AWS SDK for Go v2. Query parameters `region`,
//     `endpoint`, `path-style` and `insecure` target LocalStack or other
//     endpoints.
//   - `s3://host[:port]` uses minio-go for S3-compatible services.
//   - `mem://` is an in-memory store for tests and local experiments.
//
// Objects up to `Config.CopyMultipartThreshold` (default and maximum 5 GiB) are
// rewritten with one CopyObject request. Larger objects are copied in
// `Config.CopyPartSize` parts, one part at a time, with content headers, user
// metadata and tags restated on the new upload. Every copy is conditioned on
// the ETag seen when the object was inspected.
//
// # Telemetry
//
// Setting `Config.OTLPEndpoint` exports traces (gRPC or HTTP) and metrics
// (gRPC) through OpenTelemetry. The Lambda runtime flushes both after every
// invocation.
package bucketkey
