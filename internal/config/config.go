package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultNamespace partitions backups and cache identity when the caller does
// not name one.
const DefaultNamespace = "default"

// DefaultArtifactMarker matches the line the report tool prints immediately
// before the line carrying the generated artifact's path.
const DefaultArtifactMarker = `generated and saved in:?\s*$`

// WatchConfig holds configuration specific to watch mode.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Options holds all configuration settings for the harness.
// Tags are used by Viper for unmarshalling from config files, env vars and flags.
type Options struct {
	// Storage
	Root string `mapstructure:"root"` // storage root for queue, log, store and backups

	// External tool
	Tool           string `mapstructure:"tool"`           // report-generation executable
	ArtifactMarker string `mapstructure:"artifactMarker"` // regex announcing the artifact path

	// Behavior control
	Namespace  string `mapstructure:"namespace"`
	FakeRoot   string `mapstructure:"fakeRoot"` // root directory tree fakes extract into
	Verbose    bool   `mapstructure:"verbose"`
	SkipRevert bool   `mapstructure:"skipRevert"`

	// Expected tool exit status: "", "default", "N" or "N-M".
	ExpectStatus string `mapstructure:"expectStatus"`

	// Watch specific settings
	Watch WatchConfig `mapstructure:"watchConfig"`

	// Internal - path to the config file used, set from the flag
	ConfigFile string `mapstructure:"config"`
}

// Derived storage paths. Everything the harness persists lives under Root so
// that serializing runs per storage root is sufficient to avoid interleaved
// writes (there is no cross-process locking).

// QueueFile is the scratch fake-queue file.
func (opts *Options) QueueFile() string { return filepath.Join(opts.Root, "fakequeue") }

// LogFile is the append-only harness log.
func (opts *Options) LogFile() string { return filepath.Join(opts.Root, "harness.log") }

// DBFile is the append-only report database.
func (opts *Options) DBFile() string { return filepath.Join(opts.Root, "reports.db") }

// StoreDir holds generated artifacts and their side files.
func (opts *Options) StoreDir() string { return filepath.Join(opts.Root, "reports") }

// BackupDir holds namespaced snapshots taken before fakes are applied.
func (opts *Options) BackupDir() string { return filepath.Join(opts.Root, "backups") }

// ValidateConfig checks the loaded configuration options for validity.
func (opts *Options) ValidateConfig() error {
	var errs []string

	if strings.TrimSpace(opts.Root) == "" {
		errs = append(errs, "storage root cannot be empty")
	} else {
		parent := filepath.Dir(filepath.Clean(opts.Root))
		info, err := os.Stat(parent)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Sprintf("parent directory '%s' for storage root '%s' must exist", parent, opts.Root))
			} else {
				errs = append(errs, fmt.Sprintf("cannot access parent directory '%s' for storage root: %v", parent, err))
			}
		} else if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("parent path '%s' for storage root is not a directory", parent))
		}
	}

	if strings.TrimSpace(opts.Namespace) == "" {
		errs = append(errs, "namespace cannot be empty")
	}

	if strings.TrimSpace(opts.FakeRoot) == "" {
		errs = append(errs, "fakeRoot cannot be empty")
	}

	if opts.ArtifactMarker != "" {
		if _, err := regexp.Compile(opts.ArtifactMarker); err != nil {
			errs = append(errs, fmt.Sprintf("artifactMarker is not a valid regular expression: %v", err))
		}
	}

	if opts.Watch.Debounce < 0 {
		errs = append(errs, "watch.debounce duration must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MarkerRegexp returns the compiled artifact marker, falling back to the
// default when unset. ValidateConfig has already rejected invalid patterns.
func (opts *Options) MarkerRegexp() *regexp.Regexp {
	pattern := opts.ArtifactMarker
	if pattern == "" {
		pattern = DefaultArtifactMarker
	}
	return regexp.MustCompile(pattern)
}
