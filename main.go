package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/testfold/reportcache/internal/backup"
	"github.com/testfold/reportcache/internal/config"
	"github.com/testfold/reportcache/internal/engine"
	"github.com/testfold/reportcache/internal/fakes"
	"github.com/testfold/reportcache/internal/filesystem"
	"github.com/testfold/reportcache/internal/overlay"
	"github.com/testfold/reportcache/internal/runlog"
	"github.com/testfold/reportcache/internal/store"
)

// Variables for version embedding via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes. The distinct generation failures (unsupported mode, artifact
// not recognized) get their own codes so callers can branch on them.
const (
	ExitCodeSuccess               = 0
	ExitCodeUsage                 = 1
	ExitCodeConfigError           = 2
	ExitCodeInterrupt             = 3
	ExitCodeOperationFailed       = 4
	ExitCodeUnsupportedMode       = 5
	ExitCodeArtifactNotRecognized = 6
	ExitCodeAssertionFailed       = 7
	ExitCodeUnknown               = 10
)

var opts *config.Options

// harness bundles the assembled components for one command invocation. No
// ambient globals: every component receives its collaborators explicitly.
type harness struct {
	opts    *config.Options
	fs      filesystem.FileSystem
	queue   *fakes.Queue
	backer  backup.Backer
	overlay *overlay.Manager
	store   *store.Store
	engine  *engine.Engine
}

// buildHarness unmarshals the merged configuration, validates it, and wires
// the components together.
func buildHarness() (*harness, error) {
	if err := viper.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}
	if err := opts.ValidateConfig(); err != nil {
		return nil, err
	}

	fs := filesystem.NewRealFileSystem()
	if err := fs.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root '%s': %w", opts.Root, err)
	}

	logger := runlog.NewLogger(opts.LogFile(), os.Stderr, opts.Verbose)
	logger.Debug("Configuration loaded and validated", "root", opts.Root, "namespace", opts.Namespace)

	queue := fakes.NewQueue(opts.QueueFile(), fs, logger)
	backer := backup.NewSnapshotBacker(opts.BackupDir(), fs, logger)
	ov := overlay.NewManager(queue, backer, fs, logger, opts.Namespace, opts.FakeRoot)
	st := store.New(opts.StoreDir(), opts.DBFile(), fs, logger)
	if err := st.Init(); err != nil {
		return nil, err
	}
	eng := engine.New(opts, fs, logger, queue, ov, st, &engine.ExecRunner{Stream: os.Stdout})

	return &harness{
		opts:    opts,
		fs:      fs,
		queue:   queue,
		backer:  backer,
		overlay: ov,
		store:   st,
		engine:  eng,
	}, nil
}

// mustHarness exits with the config error code when assembly fails.
func mustHarness() *harness {
	h, err := buildHarness()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(ExitCodeConfigError)
	}
	return h
}

var rootCmd = &cobra.Command{
	Use:   "reportcache",
	Short: "Fake commands and files around an external report tool, caching the generated artifacts",
	Long: `reportcache is a test-support harness for an external report-generation tool.

Test cases enqueue fakes (command, file or tree substitutions), then request a
report. Generated artifacts are cached in a content-addressed store keyed on
the invocation parameters, a logical namespace and the set of active fakes, so
byte-identical invocations reuse the prior artifact instead of regenerating.

Runs sharing a storage root must be serialized: the queue, database and log
are shared files with no cross-process locking.`,
	Version: version,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the storage root and clear the fake queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		if err := h.queue.Reset(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitCodeOperationFailed)
		}
		fmt.Fprintf(os.Stdout, "Initialized storage root %s\n", h.opts.Root)
		return nil
	},
}

func enqueueExit(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, fakes.ErrUsage) {
		os.Exit(ExitCodeUsage)
	}
	os.Exit(ExitCodeOperationFailed)
}

var enqueueCommandCmd = &cobra.Command{
	Use:   "enqueue-command <fake-path> <destination>",
	Short: "Queue a command substitution (destination is marked executable)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		enqueueExit(h.queue.EnqueueCommand(args[0], args[1]))
		return nil
	},
}

var enqueueFileCmd = &cobra.Command{
	Use:   "enqueue-file <fake-path> <destination>",
	Short: "Queue a file substitution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		enqueueExit(h.queue.EnqueueFile(args[0], args[1]))
		return nil
	},
}

var enqueueTreeCmd = &cobra.Command{
	Use:   "enqueue-tree <archive>",
	Short: "Queue a tree substitution backed by a tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		enqueueExit(h.queue.EnqueueTree(args[0]))
		return nil
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Clear the fake queue and restore every path faked under the namespace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		if err := h.overlay.RevertAll(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitCodeOperationFailed)
		}
		return nil
	},
}

var (
	generateSkipRevert   bool
	generateExpectStatus string
)

var generateCmd = &cobra.Command{
	Use:   "generate <params> [namespace]",
	Short: "Generate a report, or reuse a cached artifact with an identical fingerprint",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h := mustHarness()
		namespace := h.opts.Namespace
		if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
			namespace = args[1]
		}
		skipRevert := generateSkipRevert || h.opts.SkipRevert
		expectStatus := generateExpectStatus
		if expectStatus == "" {
			expectStatus = h.opts.ExpectStatus
		}

		res, err := h.engine.Generate(ctx, args[0], namespace, skipRevert, expectStatus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			switch {
			case errors.Is(err, engine.ErrUsage):
				os.Exit(ExitCodeUsage)
			case errors.Is(err, engine.ErrUnsupportedMode):
				os.Exit(ExitCodeUnsupportedMode)
			case errors.Is(err, engine.ErrArtifactNotRecognized):
				os.Exit(ExitCodeArtifactNotRecognized)
			default:
				if ctx.Err() != nil {
					os.Exit(ExitCodeInterrupt)
				}
				os.Exit(ExitCodeOperationFailed)
			}
		}

		if res.Reused {
			fmt.Fprintf(os.Stderr, "Reusing cached artifact\n")
		}
		if res.RevertErr != nil {
			// Surfaced for inspection; the generation itself succeeded.
			fmt.Fprintf(os.Stderr, "Warning: revert after generation failed: %v\n", res.RevertErr)
		}
		fmt.Fprintln(os.Stdout, res.ArtifactPath)
		return nil
	},
}

func runAssertion(pattern string, wantMatch bool) {
	h := mustHarness()
	re, err := regexp.Compile(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid pattern: %v\n", err)
		os.Exit(ExitCodeUsage)
	}
	listing, err := h.store.LatestListing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitCodeOperationFailed)
	}
	if re.MatchString(listing) != wantMatch {
		fmt.Fprintf(os.Stderr, "Assertion failed: pattern %q match=%v wanted match=%v\n", pattern, !wantMatch, wantMatch)
		os.Exit(ExitCodeAssertionFailed)
	}
}

var assertContainsCmd = &cobra.Command{
	Use:   "assert-contains <pattern>",
	Short: "Assert the latest artifact's file listing matches a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runAssertion(args[0], true)
		return nil
	},
}

var assertNotContainsCmd = &cobra.Command{
	Use:   "assert-not-contains <pattern>",
	Short: "Assert the latest artifact's file listing does not match a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runAssertion(args[0], false)
		return nil
	},
}

var listFormat string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the store directory and the raw database records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		listing, err := h.store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitCodeOperationFailed)
		}
		switch listFormat {
		case "yaml":
			out, err := yaml.Marshal(listing)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(ExitCodeUnknown)
			}
			fmt.Fprint(os.Stdout, string(out))
		case "toml":
			if err := toml.NewEncoder(os.Stdout).Encode(listing); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(ExitCodeUnknown)
			}
		case "text":
			fmt.Fprintf(os.Stdout, "--- Store (%s) ---\n", h.opts.StoreDir())
			for _, file := range listing.Files {
				fmt.Fprintln(os.Stdout, file)
			}
			fmt.Fprintf(os.Stdout, "--- Database (%s) ---\n", h.opts.DBFile())
			for _, rec := range listing.Records {
				fmt.Fprintln(os.Stdout, rec)
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown list format %q (text, yaml or toml)\n", listFormat)
			os.Exit(ExitCodeUsage)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every stored artifact and truncate the database (irreversible)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := mustHarness()
		if err := h.store.PurgeAll(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitCodeOperationFailed)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the store and print each new artifact's path as it appears",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h := mustHarness()
		if err := h.engine.Watch(ctx, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitCodeOperationFailed)
		}
		if ctx.Err() != nil {
			os.Exit(ExitCodeInterrupt)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(ExitCodeUsage)
	}
}

func init() {
	opts = &config.Options{}
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&opts.Root, "root", "", "Storage root for the queue, log, store and backups (required)")
	rootCmd.PersistentFlags().StringVar(&opts.Tool, "tool", "", "Report-generation executable to invoke")
	rootCmd.PersistentFlags().StringVarP(&opts.Namespace, "namespace", "n", config.DefaultNamespace, "Namespace partitioning backups and cache identity")
	rootCmd.PersistentFlags().StringVar(&opts.FakeRoot, "fake-root", "/", "Root directory tree fakes extract into")
	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Configuration file path (default: .reportcache.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.ArtifactMarker, "artifact-marker", config.DefaultArtifactMarker, "Regex matching the line announcing the artifact path")

	generateCmd.Flags().BoolVar(&generateSkipRevert, "skip-revert", false, "Leave applied fakes in place after generation")
	generateCmd.Flags().StringVar(&generateExpectStatus, "expect-status", "", "Expected tool exit status: N or N-M (default 0)")

	listCmd.Flags().StringVar(&listFormat, "format", "text", "Output format: text, yaml or toml")

	rootCmd.AddCommand(
		initCmd,
		enqueueCommandCmd,
		enqueueFileCmd,
		enqueueTreeCmd,
		revertCmd,
		generateCmd,
		assertContainsCmd,
		assertNotContainsCmd,
		listCmd,
		purgeCmd,
		watchCmd,
	)

	rootCmd.SetVersionTemplate(fmt.Sprintf("reportcache version %s (commit: %s, built: %s)\n", version, commit, date))
}

// initConfig reads the config file and environment variables into Viper.
// Precedence: flags > env > config file > defaults.
func initConfig() {
	v := viper.New()

	v.SetDefault("namespace", config.DefaultNamespace)
	v.SetDefault("fakeRoot", "/")
	v.SetDefault("artifactMarker", config.DefaultArtifactMarker)
	v.SetDefault("expectStatus", "")
	v.SetDefault("watchConfig.debounce", "300ms")

	v.AutomaticEnv()
	v.SetEnvPrefix("REPORTCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading specified config file %s: %v\n", opts.ConfigFile, err)
			os.Exit(ExitCodeConfigError)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(".reportcache")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", v.ConfigFileUsed(), err)
				os.Exit(ExitCodeConfigError)
			}
		}
	}

	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Internal error binding flags to viper: %v\n", err)
		os.Exit(ExitCodeConfigError)
	}

	// BindPFlags registers flags under their dash-separated names; the two
	// flags whose names differ from their config keys need explicit binds or
	// their values never reach the unmarshalled Options.
	for key, flag := range map[string]string{
		"fakeRoot":       "fake-root",
		"artifactMarker": "artifact-marker",
	} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Internal error binding --%s to viper: %v\n", flag, err)
			os.Exit(ExitCodeConfigError)
		}
	}

	if err := viper.MergeConfigMap(v.AllSettings()); err != nil {
		fmt.Fprintf(os.Stderr, "Internal error merging viper settings: %v\n", err)
		os.Exit(ExitCodeConfigError)
	}
}

func main() {
	Execute()
}
