// Package batchjob translates between S3 Batch Operations invocation events
// (schema 1.0) and the remediation engine.
package batchjob

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
)

// ErrNoTasks reports an invocation event without any task.
var ErrNoTasks = errors.New("batchjob: event carries no tasks")

// Task is a decoded S3 Batch Operations task.
type Task struct {
	TaskID    string
	Bucket    string
	Key       string
	VersionID string
	// RawKey is the key exactly as it appeared in the event.
	RawKey string
}

// FirstTask returns the task to process. Schema 1.0 sends exactly one task per
// invocation; any others are left to the caller to report.
func FirstTask(event events.S3BatchJobEvent) (events.S3BatchJobTask, error) {
	if len(event.Tasks) == 0 {
		return events.S3BatchJobTask{}, ErrNoTasks
	}
	return event.Tasks[0], nil
}

// DecodeTask extracts the bucket name and object key from task. It never
// fails: a key that does not decode cleanly surfaces later as a lookup error.
func DecodeTask(task events.S3BatchJobTask) Task {
	return Task{
		TaskID:    task.TaskID,
		Bucket:    BucketFromARN(task.S3BucketARN),
		Key:       UnescapeKey(task.S3Key),
		VersionID: task.S3VersionID,
		RawKey:    task.S3Key,
	}
}

// BucketFromARN returns the segment after the final colon of arn
// (arn:aws:s3:::my-bucket yields my-bucket). A value without colons is
// returned unchanged.
func BucketFromARN(arn string) string {
	if i := strings.LastIndexByte(arn, ':'); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// UnescapeKey percent-decodes an S3 Batch Operations key. '+' stays literal,
// malformed escapes are kept verbatim and invalid UTF-8 becomes U+FFFD.
func UnescapeKey(raw string) string {
	if decoded, err := url.PathUnescape(raw); err == nil {
		return replaceInvalidUTF8(decoded)
	}
	buf := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '%' && i+2 < len(raw) {
			hi, okHi := unhex(raw[i+1])
			lo, okLo := unhex(raw[i+2])
			if okHi && okLo {
				buf = append(buf, hi<<4|lo)
				i += 2
				continue
			}
		}
		buf = append(buf, c)
	}
	return replaceInvalidUTF8(string(buf))
}

// replaceInvalidUTF8 substitutes U+FFFD for every byte that does not start a
// valid UTF-8 sequence, so %FF%FE decodes to two replacement characters.
func replaceInvalidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
