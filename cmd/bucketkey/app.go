package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/bucketkey"
	"pkt.systems/bucketkey/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BUCKETKEY_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bucketkey")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, svcfields.Subsystem(svcfields.SubsystemCLI, "root")).Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the root command
// (the Lambda runtime) rather than a subcommand. Root failures are logged
// structured so they land in CloudWatch; subcommand failures go to stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommandToken(root, args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommandToken(root, args[i:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 && i < len(args) {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommandToken(root *cobra.Command, args []string) bool {
	for _, tok := range args {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := bucketkey.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, bucketkey.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// runtimeEnv bundles what every command needs after configuration is loaded.
type runtimeEnv struct {
	cfg    bucketkey.Config
	logger pslog.Logger
}

// prepare loads the config file, binds flags/env into a Config and applies
// the configured log level.
func prepare(baseLogger pslog.Logger) (runtimeEnv, error) {
	cliLogger := svcfields.WithSubsystem(baseLogger, svcfields.Subsystem(svcfields.SubsystemCLI, "root"))
	configFile, err := loadConfigFile()
	if err != nil {
		return runtimeEnv{}, err
	}
	var cfg bucketkey.Config
	if err := bindConfig(&cfg); err != nil {
		return runtimeEnv{}, err
	}
	logger := baseLogger
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = bucketkey.DefaultLogLevel
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		logger = logger.LogLevel(level)
		cliLogger = svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.SubsystemCLI, "root"))
	} else {
		cliLogger.Warn("unknown log level, keeping default", "log_level", logLevel)
	}
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	return runtimeEnv{cfg: cfg, logger: logger}, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bucketkey",
		Short:         "bucketkey enables the S3 Bucket Key on SSE-KMS objects from S3 Batch Operations",
		SilenceErrors: true,
		Example: `
  # Lambda runtime (default command, same as "bucketkey lambda")
  bucketkey

  # Run one invocation locally against LocalStack
  BUCKETKEY_STORE='aws://?endpoint=localhost:4566&path-style=1&insecure=1' \
    bucketkey invoke --bucket-arn arn:aws:s3:::my-bucket --key 'dir/a%20b.txt'

  # Replay a captured S3 Batch Operations event
  bucketkey invoke --event event.json

  # Check an object on MinIO without copying it
  BUCKETKEY_STORE=s3://localhost:9000?insecure=1 bucketkey check --bucket my-bucket --key a.txt
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda(cmd, baseLogger)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bucketkey/config.yaml when present)")
	flags.String("store", bucketkey.DefaultStore, "object store DSN (aws://, s3://host:port, mem://)")
	flags.String("aws-region", "", "AWS region for aws:// stores (defaults to the SDK chain)")
	flags.String("s3-access-key-id", "", "static access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// stores")
	flags.String("s3-session-token", "", "static session token for s3:// stores")
	flags.String("copy-multipart-threshold", humanizeBytes(bucketkey.DefaultCopyMultipartThreshold), "objects larger than this are copied in parts (max 5GiB)")
	flags.String("copy-part-size", humanizeBytes(bucketkey.DefaultCopyPartSize), "part size of multipart copies (5MiB to 5GiB)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", bucketkey.DefaultLogLevel, "minimum log level (trace, debug, info, warn, error)")
	flags.Bool("dry-run", false, "report eligibility without copying")

	viper.SetEnvPrefix("BUCKETKEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config", "store", "aws-region",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"copy-multipart-threshold", "copy-part-size",
		"otlp-endpoint", "log-level", "dry-run",
	} {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newLambdaCommand(baseLogger))
	cmd.AddCommand(newInvokeCommand(baseLogger))
	cmd.AddCommand(newCheckCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *bucketkey.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	if raw := viper.GetString("copy-multipart-threshold"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse copy-multipart-threshold: %w", err)
		}
		cfg.CopyMultipartThreshold = int64(size)
	}
	if raw := viper.GetString("copy-part-size"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse copy-part-size: %w", err)
		}
		cfg.CopyPartSize = int64(size)
	}
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DryRun = viper.GetBool("dry-run")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
