package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey"
	"pkt.systems/bucketkey/internal/batchjob"
	"pkt.systems/bucketkey/internal/remediate"
	"pkt.systems/bucketkey/internal/storage"
	"pkt.systems/bucketkey/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BUCKETKEY_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--dry-run"}, want: true},
		{name: "subcommand", args: []string{"invoke", "--event", "-"}, want: false},
		{name: "explicit lambda", args: []string{"lambda"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "check"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestRootOutsideLambdaFails(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	os.Unsetenv("AWS_LAMBDA_RUNTIME_API")
	_, _, err := executeRootCommand(t, "--store", "mem://")
	if err == nil || !strings.Contains(err.Error(), "AWS_LAMBDA_RUNTIME_API") {
		t.Fatalf("expected runtime API error, got %v", err)
	}
}

func TestBindConfigParsesByteSizes(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("store", "s3://localhost:9000?insecure=1")
	viper.Set("copy-multipart-threshold", "1GiB")
	viper.Set("copy-part-size", "16MiB")
	viper.Set("dry-run", true)
	var cfg bucketkey.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.CopyMultipartThreshold != 1<<30 || cfg.CopyPartSize != 16<<20 || !cfg.DryRun {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Store != "s3://localhost:9000?insecure=1" {
		t.Fatalf("unexpected store %q", cfg.Store)
	}

	viper.Set("copy-part-size", "lots")
	if err := bindConfig(&cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestInvokeWithMemoryStore(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "--store", "mem://", "invoke", "--bucket-arn", "arn:aws:s3:::my-bucket", "--key", "dir/a%20b.txt")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var resp events.S3BatchJobResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode response %q: %v", stdout, err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ResultCode != batchjob.ResultPermanentFailure {
		t.Fatalf("expected one permanent failure for an empty store, got %+v", resp)
	}
	if !strings.HasPrefix(resp.Results[0].ResultString, "looking up dir/a b.txt: ") {
		t.Fatalf("unexpected result string %q", resp.Results[0].ResultString)
	}
	if resp.TreatMissingKeysAs != "PermanentFailure" || resp.InvocationID == "" {
		t.Fatalf("unexpected envelope %+v", resp)
	}
}

func TestInvokeEventWithoutTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(path, []byte(`{"invocationSchemaVersion":"1.0","invocationId":"abc","job":{"id":"j"},"tasks":[]}`), 0o600); err != nil {
		t.Fatalf("write event: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "--store", "mem://", "invoke", "--event", path)
	if err == nil || !strings.Contains(err.Error(), batchjob.ErrNoTasks.Error()) {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}
	if !strings.Contains(stdout, `"invocationId": "abc"`) {
		t.Fatalf("expected response to be printed, got %q", stdout)
	}
}

func TestLoadInvokeEventArguments(t *testing.T) {
	if _, err := loadInvokeEvent(nil, "", "", "", ""); err == nil {
		t.Fatalf("expected error without arguments")
	}
	if _, err := loadInvokeEvent(nil, "e.json", "arn:aws:s3:::b", "k", ""); err == nil {
		t.Fatalf("expected mutual exclusion error")
	}
	event, err := loadInvokeEvent(nil, "", "my-bucket", "a b.txt", "v1")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	task := event.Tasks[0]
	if task.S3BucketARN != "arn:aws:s3:::my-bucket" || task.S3VersionID != "v1" || task.TaskID == "" {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := batchjob.DecodeTask(task).Key; got != "a b.txt" {
		t.Fatalf("key does not round trip: %q", got)
	}
	stdin := strings.NewReader(`{"invocationSchemaVersion":"1.0","invocationId":"x","tasks":[{"taskId":"t","s3Key":"k","s3BucketArn":"arn:aws:s3:::b"}]}`)
	event, err = loadInvokeEvent(stdin, "-", "", "", "")
	if err != nil || event.InvocationID != "x" || len(event.Tasks) != 1 {
		t.Fatalf("unexpected stdin event %+v (%v)", event, err)
	}
}

func TestCheckRequiresBucketAndKey(t *testing.T) {
	if _, _, err := executeRootCommand(t, "--store", "mem://", "check", "--bucket", "b"); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestFormatVerdict(t *testing.T) {
	meta := storage.ObjectMetadata{Size: 2048, ServerSideEncryption: storage.ServerSideEncryptionKMS, KMSKeyID: "key-1", BucketKeyEnabled: true}
	got := formatVerdict("b", "a.txt", meta, remediate.Validate(meta))
	want := "b/a.txt: skip (a.txt already has the bucket key enabled) size=2.0KiB sse=aws:kms kms_key_id=key-1 bucket_key=true"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	meta.BucketKeyEnabled = false
	if got := formatVerdict("b", "a.txt", meta, remediate.Validate(meta)); !strings.HasPrefix(got, "b/a.txt: eligible ") {
		t.Fatalf("unexpected verdict %q", got)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if parsed["store"] != bucketkey.DefaultStore || parsed["log-level"] != bucketkey.DefaultLogLevel {
		t.Fatalf("unexpected defaults %v", parsed)
	}
	size, err := humanize.ParseBytes(parsed["copy-part-size"].(string))
	if err != nil || int64(size) != bucketkey.DefaultCopyPartSize {
		t.Fatalf("copy-part-size does not round trip: %v (%v)", parsed["copy-part-size"], err)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced config gen: %v", err)
	}
}

func TestConfigFileIsLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Store = "mem://"
		d.CopyPartSize = "8MiB"
	})
	if err != nil {
		t.Fatalf("default yaml: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil || loaded != path {
		t.Fatalf("load config: %q %v", loaded, err)
	}
	var cfg bucketkey.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Store != "mem://" || cfg.CopyPartSize != 8<<20 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/x/config.yaml")
	if err != nil || got != filepath.Join(home, "x", "config.yaml") {
		t.Fatalf("expandPath = %q (%v)", got, err)
	}
}
