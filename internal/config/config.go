// Package config parses the backup core's YAML configuration file into
// typed structs. The shape mirrors rclone's Options-struct-plus-tags idiom
// (backend/chunker.Options, backend/local.Options): defaults are set on the
// zero-value struct first, then overridden field-by-field by whatever the
// file actually specifies.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML carries the human spelling
// ("120s", "5m") instead of raw nanoseconds; bare integers are accepted
// as nanoseconds for completeness.
type Duration time.Duration

// D converts back to the standard library type at call sites.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML renders the human-readable form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or an integer.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var n int64
		if err2 := unmarshal(&n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		// yaml.v2 hands a bare integer scalar over as its text.
		n, nerr := strconv.ParseInt(s, 10, 64)
		if nerr != nil {
			return errors.Wrapf(err, "config: parsing duration %q", s)
		}
		v = time.Duration(n)
	}
	*d = Duration(v)
	return nil
}

// Retention holds the per-client min/max backup counts from spec §4.E.
type Retention struct {
	MinFileFull  int `yaml:"min_file_full"`
	MaxFileFull  int `yaml:"max_file_full"`
	MinFileIncr  int `yaml:"min_file_incr"`
	MaxFileIncr  int `yaml:"max_file_incr"`
	MinImageFull int `yaml:"min_image_full"`
	MaxImageFull int `yaml:"max_image_full"`
	MinImageIncr int `yaml:"min_image_incr"`
	MaxImageIncr int `yaml:"max_image_incr"`
}

// DefaultRetention matches the common defaults used throughout spec §8's
// test scenarios (generous enough that a fresh client is never pruned
// until it actually accumulates backups).
func DefaultRetention() Retention {
	return Retention{
		MinFileFull: 1, MaxFileFull: 2,
		MinFileIncr: 1, MaxFileIncr: 5,
		MinImageFull: 1, MaxImageFull: 2,
		MinImageIncr: 1, MaxImageIncr: 5,
	}
}

// Config is the top-level server configuration.
type Config struct {
	// BackupFolder is the filesystem root under which
	// <client>/<timestamp>/... file trees and Image_<letter>_<timestamp>.vhd
	// image files are stored (spec §6 "Persisted state").
	BackupFolder string `yaml:"backup_folder"`

	// DBPath is the bbolt database file holding clients, backups, the file
	// index and del_stats (internal/db).
	DBPath string `yaml:"db_path"`

	// ListenAddress is where the Coordinator accepts client connections.
	ListenAddress string `yaml:"listen_address"`

	// MaxSimBackups caps concurrently running backups (spec §4.F, default 10).
	MaxSimBackups int `yaml:"max_sim_backups"`

	// NetworkTimeout is the idle read deadline per spec §5 (default 120s).
	NetworkTimeout Duration `yaml:"network_timeout"`

	// ReconnectTimeout bounds how long the chunk engine keeps retrying a
	// dropped connection before giving up (spec §4.A, default 5m).
	ReconnectTimeout Duration `yaml:"reconnect_timeout"`

	// ReconnectTries bounds retry attempts (spec §4.A, default 50).
	ReconnectTries int `yaml:"reconnect_tries"`

	// FreeSpaceStallTimeout bounds how long a VHD writer waits for urgent
	// cleanup to free space before failing the backup (spec §5, default 10m).
	FreeSpaceStallTimeout Duration `yaml:"free_space_stall_timeout"`

	// MinFreeSpaceBytes is the threshold under which the VHD writer pauses
	// and invokes urgent cleanup (spec §4.B, default 1GB).
	MinFreeSpaceBytes int64 `yaml:"min_free_space_bytes"`

	// CleanupWindowStartHour/EndHour bound the scheduled cleanup window
	// (spec §4.E, default 3-4 AM).
	CleanupWindowStartHour int `yaml:"cleanup_window_start_hour"`
	CleanupWindowEndHour   int `yaml:"cleanup_window_end_hour"`

	// UpdateFreqIncrFile/FullFile and the image pair drive the
	// Coordinator's schedule decision (spec §4.F): a full is due when no
	// successful full exists or the full interval elapsed; an incremental
	// when the incremental interval elapsed since the last backup.
	UpdateFreqIncrFile  Duration `yaml:"update_freq_incr_file"`
	UpdateFreqFullFile  Duration `yaml:"update_freq_full_file"`
	UpdateFreqIncrImage Duration `yaml:"update_freq_incr_image"`
	UpdateFreqFullImage Duration `yaml:"update_freq_full_image"`

	// MaxBandwidthBps caps per-client transfer bandwidth in bytes/second;
	// 0 disables throttling.
	MaxBandwidthBps int64 `yaml:"max_bandwidth_bps"`

	// DefaultRetention applies to clients without an override.
	DefaultRetention Retention `yaml:"default_retention"`

	// PerClientRetention overrides DefaultRetention, keyed by client name.
	PerClientRetention map[string]Retention `yaml:"per_client_retention"`

	// LogLevel is one of logrus's level names.
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every field set to the spec's stated defaults.
func Default() Config {
	return Config{
		BackupFolder:            "/var/backups",
		DBPath:                  "/var/backups/index.db",
		ListenAddress:           ":35621",
		MaxSimBackups:           10,
		NetworkTimeout:          Duration(120 * time.Second),
		ReconnectTimeout:        Duration(5 * time.Minute),
		ReconnectTries:          50,
		FreeSpaceStallTimeout:   Duration(10 * time.Minute),
		MinFreeSpaceBytes:       1 << 30,
		CleanupWindowStartHour:  3,
		CleanupWindowEndHour:    4,
		UpdateFreqIncrFile:      Duration(5 * time.Hour),
		UpdateFreqFullFile:      Duration(30 * 24 * time.Hour),
		UpdateFreqIncrImage:     Duration(7 * 24 * time.Hour),
		UpdateFreqFullImage:     Duration(60 * 24 * time.Hour),
		DefaultRetention:        DefaultRetention(),
		LogLevel:                "info",
	}
}

// Load reads and parses path, starting from Default() so a partial file
// only overrides what it mentions.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, nil
}

// RetentionFor returns the retention policy for a named client, falling
// back to DefaultRetention.
func (c Config) RetentionFor(clientName string) Retention {
	if r, ok := c.PerClientRetention[clientName]; ok {
		return r
	}
	return c.DefaultRetention
}
