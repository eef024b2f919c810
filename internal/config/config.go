// Package config loads the pipeline's typed configuration from the
// host's JSON-on-stdin envelope, environment variable overrides, or
// an optional config.toml fallback for standalone task-mode testing.
// Grounded on the teacher's own config package: defaults, then an
// optional file, then environment overrides, in that precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReconcileInterval is the automatic reconciliation cadence.
type ReconcileInterval string

const (
	ReconcileNever  ReconcileInterval = "never"
	ReconcileHourly ReconcileInterval = "hourly"
	ReconcileDaily  ReconcileInterval = "daily"
	ReconcileWeekly ReconcileInterval = "weekly"
)

// ReconcileScope is the span of scenes a reconciliation pass considers.
type ReconcileScope string

const (
	ScopeAll   ReconcileScope = "all"
	Scope24h   ReconcileScope = "24h"
	Scope7Days ReconcileScope = "7days"
)

// Env var names the host's JSON config keys (spec.md §6) map onto.
const (
	EnvDataDir     = "STASH2PLEX_DATA_DIR"
	EnvPlexURL     = "STASH2PLEX_PLEX_URL"
	EnvPlexToken   = "STASH2PLEX_PLEX_TOKEN"
	EnvPlexLibrary = "STASH2PLEX_PLEX_LIBRARY"
	EnvStashURL    = "STASH2PLEX_STASH_URL"
	EnvStashAPIKey = "STASH2PLEX_STASH_API_KEY"
)

// Config is the pipeline's full typed configuration, matching the
// host envelope's `config` keys in spec.md §6.
type Config struct {
	DataDir string `toml:"data_dir"`

	PlexURL     string   `toml:"plex_url"`
	PlexToken   string   `toml:"plex_token"`
	PlexLibrary []string `toml:"plex_library"`

	StashURL    string `toml:"stash_url"`
	StashAPIKey string `toml:"stash_api_key"`

	SyncTitle      bool `toml:"sync_title"`
	SyncDetails    bool `toml:"sync_details"`
	SyncDate       bool `toml:"sync_date"`
	SyncRating     bool `toml:"sync_rating"`
	SyncStudio     bool `toml:"sync_studio"`
	SyncPerformers bool `toml:"sync_performers"`
	SyncTags       bool `toml:"sync_tags"`
	SyncArtwork    bool `toml:"sync_artwork"`

	MaxRetries        int  `toml:"max_retries"`
	PollIntervalSec   int  `toml:"poll_interval_sec"`
	ConnectTimeoutSec int  `toml:"connect_timeout_sec"`
	ReadTimeoutSec    int  `toml:"read_timeout_sec"`
	StrictMatching    bool `toml:"strict_matching"`
	PreservePlexEdits bool `toml:"preserve_plex_edits"`

	ReconcileInterval  ReconcileInterval `toml:"reconcile_interval"`
	ReconcileScope     ReconcileScope    `toml:"reconcile_scope"`
	ReconcileMissing   bool              `toml:"reconcile_missing"`
	ReconcileBatchSize int               `toml:"reconcile_batch_size"`

	DLQRetentionDays int  `toml:"dlq_retention_days"`
	TriggerPlexScan  bool `toml:"trigger_plex_scan"`

	LogLevel string `toml:"log_level"`
}

// Default returns a Config populated with spec-mandated defaults.
func Default() *Config {
	return &Config{
		DataDir:            "./data",
		SyncTitle:          true,
		SyncDetails:        true,
		SyncDate:           true,
		SyncRating:         true,
		SyncStudio:         true,
		SyncPerformers:     true,
		SyncTags:           true,
		SyncArtwork:        true,
		MaxRetries:         5,
		PollIntervalSec:    1,
		ConnectTimeoutSec:  5,
		ReadTimeoutSec:     30,
		StrictMatching:     false,
		PreservePlexEdits:  true,
		ReconcileInterval:  ReconcileDaily,
		ReconcileScope:     ScopeAll,
		ReconcileMissing:   true,
		ReconcileBatchSize: 100,
		DLQRetentionDays:   30,
		TriggerPlexScan:    true,
		LogLevel:           "info",
	}
}

// RequiredFieldError names a required config field that was missing,
// so callers can surface it as a named-field exit error rather than
// a generic validation failure.
type RequiredFieldError struct {
	Field string
}

func (e *RequiredFieldError) Error() string {
	return "required config field missing: " + e.Field
}

// Validate checks that every field the pipeline cannot run without is
// populated.
func (c *Config) Validate() error {
	switch {
	case c.PlexURL == "":
		return &RequiredFieldError{Field: "plex_url"}
	case c.PlexToken == "":
		return &RequiredFieldError{Field: "plex_token"}
	case len(c.PlexLibrary) == 0:
		return &RequiredFieldError{Field: "plex_library"}
	case c.StashURL == "":
		return &RequiredFieldError{Field: "stash_url"}
	case c.StashAPIKey == "":
		return &RequiredFieldError{Field: "stash_api_key"}
	}
	return nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// Load builds a Config from defaults, then an optional config.toml at
// path (if it exists), then environment variable overrides, in that
// precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "decode config file %s", path)
			}
			log.Debug().Str("path", path).Msg("loaded configuration file")
		case os.IsNotExist(err):
			// Fine: config.toml is an optional standalone fallback: host
			// invocations supply config via the JSON envelope instead.
		default:
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	str := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	strList := func(env string, dst *[]string) {
		if v := os.Getenv(env); v != "" {
			*dst = strings.Split(v, ",")
		}
	}
	boolean := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str(EnvDataDir, &c.DataDir)
	str(EnvPlexURL, &c.PlexURL)
	str(EnvPlexToken, &c.PlexToken)
	strList(EnvPlexLibrary, &c.PlexLibrary)
	str(EnvStashURL, &c.StashURL)
	str(EnvStashAPIKey, &c.StashAPIKey)

	boolean("STASH2PLEX_SYNC_TITLE", &c.SyncTitle)
	boolean("STASH2PLEX_SYNC_DETAILS", &c.SyncDetails)
	boolean("STASH2PLEX_SYNC_DATE", &c.SyncDate)
	boolean("STASH2PLEX_SYNC_RATING", &c.SyncRating)
	boolean("STASH2PLEX_SYNC_STUDIO", &c.SyncStudio)
	boolean("STASH2PLEX_SYNC_PERFORMERS", &c.SyncPerformers)
	boolean("STASH2PLEX_SYNC_TAGS", &c.SyncTags)
	boolean("STASH2PLEX_SYNC_ARTWORK", &c.SyncArtwork)

	integer("STASH2PLEX_MAX_RETRIES", &c.MaxRetries)
	integer("STASH2PLEX_POLL_INTERVAL_SEC", &c.PollIntervalSec)
	integer("STASH2PLEX_CONNECT_TIMEOUT_SEC", &c.ConnectTimeoutSec)
	integer("STASH2PLEX_READ_TIMEOUT_SEC", &c.ReadTimeoutSec)
	boolean("STASH2PLEX_STRICT_MATCHING", &c.StrictMatching)
	boolean("STASH2PLEX_PRESERVE_PLEX_EDITS", &c.PreservePlexEdits)

	if v := os.Getenv("STASH2PLEX_RECONCILE_INTERVAL"); v != "" {
		c.ReconcileInterval = ReconcileInterval(v)
	}
	if v := os.Getenv("STASH2PLEX_RECONCILE_SCOPE"); v != "" {
		c.ReconcileScope = ReconcileScope(v)
	}
	boolean("STASH2PLEX_RECONCILE_MISSING", &c.ReconcileMissing)
	integer("STASH2PLEX_RECONCILE_BATCH_SIZE", &c.ReconcileBatchSize)

	integer("STASH2PLEX_DLQ_RETENTION_DAYS", &c.DLQRetentionDays)
	boolean("STASH2PLEX_TRIGGER_PLEX_SCAN", &c.TriggerPlexScan)
	str("STASH2PLEX_LOG_LEVEL", &c.LogLevel)
}

// ApplyEnvelope overlays JSON-on-stdin config keys (spec.md §6) onto
// c. Unknown keys are ignored so forward-compatible host payloads
// don't break older plugin builds.
func (c *Config) ApplyEnvelope(raw map[string]any) {
	getString := func(key string) (string, bool) {
		v, ok := raw[key]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
	getBool := func(key string) (bool, bool) {
		v, ok := raw[key]
		if !ok {
			return false, false
		}
		b, ok := v.(bool)
		return b, ok
	}
	getInt := func(key string) (int, bool) {
		v, ok := raw[key]
		if !ok {
			return 0, false
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
		return 0, false
	}

	if v, ok := getString("plex_url"); ok {
		c.PlexURL = v
	}
	if v, ok := getString("plex_token"); ok {
		c.PlexToken = v
	}
	if v, ok := getString("plex_library"); ok {
		c.PlexLibrary = strings.Split(v, ",")
	}
	if v, ok := getString("stash_url"); ok {
		c.StashURL = v
	}
	if v, ok := getString("stash_api_key"); ok {
		c.StashAPIKey = v
	}

	boolFields := map[string]*bool{
		"sync_title": &c.SyncTitle, "sync_details": &c.SyncDetails, "sync_date": &c.SyncDate,
		"sync_rating": &c.SyncRating, "sync_studio": &c.SyncStudio, "sync_performers": &c.SyncPerformers,
		"sync_tags": &c.SyncTags, "sync_artwork": &c.SyncArtwork, "strict_matching": &c.StrictMatching,
		"preserve_plex_edits": &c.PreservePlexEdits, "reconcile_missing": &c.ReconcileMissing,
		"trigger_plex_scan": &c.TriggerPlexScan,
	}
	for key, dst := range boolFields {
		if v, ok := getBool(key); ok {
			*dst = v
		}
	}

	intFields := map[string]*int{
		"max_retries": &c.MaxRetries, "poll_interval_sec": &c.PollIntervalSec,
		"connect_timeout_sec": &c.ConnectTimeoutSec, "read_timeout_sec": &c.ReadTimeoutSec,
		"reconcile_batch_size": &c.ReconcileBatchSize, "dlq_retention_days": &c.DLQRetentionDays,
	}
	for key, dst := range intFields {
		if v, ok := getInt(key); ok {
			*dst = v
		}
	}

	if v, ok := getString("reconcile_interval"); ok {
		c.ReconcileInterval = ReconcileInterval(v)
	}
	if v, ok := getString("reconcile_scope"); ok {
		c.ReconcileScope = ReconcileScope(v)
	}
}
