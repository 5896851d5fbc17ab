package bucketkey

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/bucketkey/internal/storage"
)

const (
	// DefaultStore targets AWS S3 with the region and credentials of the
	// Lambda execution environment.
	DefaultStore = "aws://"
	// DefaultCopyMultipartThreshold is the largest object rewritten with a
	// single CopyObject request (the S3 single-copy limit).
	DefaultCopyMultipartThreshold = storage.MaxSingleCopySize
	// DefaultCopyPartSize is the UploadPartCopy range size used above the
	// threshold.
	DefaultCopyPartSize = int64(64 << 20)
	// DefaultLogLevel is the minimum level logged when none is configured.
	DefaultLogLevel = "info"
	// DefaultConfigFileName is the YAML file searched for in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for the remediation handler.
type Config struct {
	// Store is the backend DSN (aws://, s3://host:port, mem://).
	Store string
	// AWSRegion overrides the region of aws:// stores.
	AWSRegion string
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken are static
	// credentials for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// CopyMultipartThreshold is the size above which objects are copied in
	// parts. It cannot exceed the S3 single-copy limit.
	CopyMultipartThreshold int64
	// CopyPartSize is the part size of a multipart copy.
	CopyPartSize int64
	// OTLPEndpoint enables OpenTelemetry export when set
	// (grpc://host:4317, http://host:4318).
	OTLPEndpoint string
	// DryRun reports eligibility without copying.
	DryRun bool
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	switch u.Scheme {
	case "aws", "s3", "mem", "memory":
	default:
		return fmt.Errorf("config: store scheme %q not supported (want aws://, s3:// or mem://)", u.Scheme)
	}
	if c.CopyMultipartThreshold == 0 {
		c.CopyMultipartThreshold = DefaultCopyMultipartThreshold
	}
	if c.CopyMultipartThreshold < 0 {
		return fmt.Errorf("config: copy multipart threshold must be > 0")
	}
	if c.CopyMultipartThreshold > storage.MaxSingleCopySize {
		return fmt.Errorf("config: copy multipart threshold must be <= %d bytes", int64(storage.MaxSingleCopySize))
	}
	if c.CopyPartSize == 0 {
		c.CopyPartSize = DefaultCopyPartSize
	}
	if c.CopyPartSize < storage.MinPartSize {
		return fmt.Errorf("config: copy part size must be >= %d bytes", int64(storage.MinPartSize))
	}
	if c.CopyPartSize > storage.MaxSingleCopySize {
		return fmt.Errorf("config: copy part size must be <= %d bytes", int64(storage.MaxSingleCopySize))
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		return fmt.Errorf("config: s3 credentials incomplete (need access key and secret key)")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.bucketkey).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BUCKETKEY_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bucketkey"), nil
}
