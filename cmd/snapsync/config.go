package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"github.com/eth2030/snapsync/sync"
)

// Configuration errors.
var (
	ErrUnknownConfigKey = errors.New("unknown config key")
	ErrInvalidValue     = errors.New("invalid config value")
)

// fileConfig is the TOML layout of the config file. Durations are written
// as Go duration strings and range sizes as 0x-prefixed hex integers.
type fileConfig struct {
	Log      logConfig      `toml:"log"`
	Sync     syncConfig     `toml:"sync"`
	Pipeline pipelineConfig `toml:"pipeline"`
	Sim      simConfig      `toml:"sim"`
}

type logConfig struct {
	Verbosity int    `toml:"verbosity"`
	Format    string `toml:"format"` // terminal or json
}

type syncConfig struct {
	Enabled             bool    `toml:"enabled"`
	MaxRangesPerBatch   int     `toml:"max_ranges_per_batch"`
	MaxBufferedRanges   int     `toml:"max_buffered_ranges"`
	MaxResponseBytes    uint64  `toml:"max_response_bytes"`
	MaxRetryAttempts    int     `toml:"max_retry_attempts"`
	RequestTimeout      string  `toml:"request_timeout"`
	RetryBaseDelay      string  `toml:"retry_base_delay"`
	MaxRetryDelay       string  `toml:"max_retry_delay"`
	DefaultRangeSize    string  `toml:"default_range_size"`
	MinRangeSize        string  `toml:"min_range_size"`
	MaxRangeSize        string  `toml:"max_range_size"`
	AdaptiveRangeSizing bool    `toml:"adaptive_range_sizing"`
	SizingWindow        int     `toml:"sizing_window"`
	HighSuccessRate     float64 `toml:"high_success_rate"`
	LowSuccessRate      float64 `toml:"low_success_rate"`
	LowLatency          string  `toml:"low_latency"`
	HighLatency         string  `toml:"high_latency"`
	PeerScoreAlpha      float64 `toml:"peer_score_alpha"`
	MaxRangeReschedules int     `toml:"max_range_reschedules"`
	NoPeerTimeout       string  `toml:"no_peer_timeout"`
	BatchWait           string  `toml:"batch_wait"`
}

type pipelineConfig struct {
	RetryLimit int `toml:"retry_limit"`
}

// simConfig describes the simulated network served to the engine.
type simConfig struct {
	Accounts      int     `toml:"accounts"`
	Peers         int     `toml:"peers"`
	Seed          uint64  `toml:"seed"`
	Latency       string  `toml:"latency"`
	FailRate      float64 `toml:"fail_rate"`
	DropRate      float64 `toml:"drop_rate"`
	CorruptRate   float64 `toml:"corrupt_rate"`
	RetargetAfter string  `toml:"retarget_after"`
	ReportEvery   string  `toml:"report_every"`
	ThrottleRate  float64 `toml:"throttle_rate"` // requests per second per peer, 0 disables
	ThrottleBurst int     `toml:"throttle_burst"`
}

func defaultFileConfig() *fileConfig {
	return &fileConfig{
		Log:      logConfig{Verbosity: 3, Format: "terminal"},
		Sync:     newSyncConfig(sync.DefaultConfig()),
		Pipeline: pipelineConfig{RetryLimit: sync.DefaultPipelineConfig().RetryLimit},
		Sim: simConfig{
			Accounts:      10000,
			Peers:         4,
			Seed:          1,
			Latency:       "5ms",
			RetargetAfter: "0s",
			ReportEvery:   "2s",
			ThrottleBurst: 16,
		},
	}
}

func newSyncConfig(c sync.Config) syncConfig {
	return syncConfig{
		Enabled:             c.Enabled,
		MaxRangesPerBatch:   c.MaxRangesPerBatch,
		MaxBufferedRanges:   c.MaxBufferedRanges,
		MaxResponseBytes:    c.MaxResponseBytes,
		MaxRetryAttempts:    c.MaxRetryAttempts,
		RequestTimeout:      c.RequestTimeout.String(),
		RetryBaseDelay:      c.RetryBaseDelay.String(),
		MaxRetryDelay:       c.MaxRetryDelay.String(),
		DefaultRangeSize:    c.DefaultRangeSize.Hex(),
		MinRangeSize:        c.MinRangeSize.Hex(),
		MaxRangeSize:        c.MaxRangeSize.Hex(),
		AdaptiveRangeSizing: c.AdaptiveRangeSizing,
		SizingWindow:        c.SizingWindow,
		HighSuccessRate:     c.HighSuccessRate,
		LowSuccessRate:      c.LowSuccessRate,
		LowLatency:          c.LowLatency.String(),
		HighLatency:         c.HighLatency.String(),
		PeerScoreAlpha:      c.PeerScoreAlpha,
		MaxRangeReschedules: c.MaxRangeReschedules,
		NoPeerTimeout:       c.NoPeerTimeout.String(),
		BatchWait:           c.BatchWait.String(),
	}
}

// engineConfig converts the file section into an engine config.
func (c *syncConfig) engineConfig() (sync.Config, error) {
	cfg := sync.Config{
		Enabled:             c.Enabled,
		MaxRangesPerBatch:   c.MaxRangesPerBatch,
		MaxBufferedRanges:   c.MaxBufferedRanges,
		MaxResponseBytes:    c.MaxResponseBytes,
		MaxRetryAttempts:    c.MaxRetryAttempts,
		AdaptiveRangeSizing: c.AdaptiveRangeSizing,
		SizingWindow:        c.SizingWindow,
		HighSuccessRate:     c.HighSuccessRate,
		LowSuccessRate:      c.LowSuccessRate,
		PeerScoreAlpha:      c.PeerScoreAlpha,
		MaxRangeReschedules: c.MaxRangeReschedules,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", c.RequestTimeout, &cfg.RequestTimeout},
		{"retry_base_delay", c.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"max_retry_delay", c.MaxRetryDelay, &cfg.MaxRetryDelay},
		{"low_latency", c.LowLatency, &cfg.LowLatency},
		{"high_latency", c.HighLatency, &cfg.HighLatency},
		{"no_peer_timeout", c.NoPeerTimeout, &cfg.NoPeerTimeout},
		{"batch_wait", c.BatchWait, &cfg.BatchWait},
	}
	for _, d := range durations {
		v, err := parseDuration(d.name, d.raw)
		if err != nil {
			return sync.Config{}, err
		}
		*d.dst = v
	}
	sizes := []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"default_range_size", c.DefaultRangeSize, &cfg.DefaultRangeSize},
		{"min_range_size", c.MinRangeSize, &cfg.MinRangeSize},
		{"max_range_size", c.MaxRangeSize, &cfg.MaxRangeSize},
	}
	for _, s := range sizes {
		v, err := uint256.FromHex(s.raw)
		if err != nil {
			return sync.Config{}, fmt.Errorf("%w: sync.%s %q: %v", ErrInvalidValue, s.name, s.raw, err)
		}
		*s.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return sync.Config{}, err
	}
	return cfg, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidValue, name, raw, err)
	}
	return d, nil
}

// loadConfig reads path over the defaults. Keys the file sets but the
// layout does not know are rejected. An empty path yields the defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w in %s: %s", ErrUnknownConfigKey, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// dumpConfig writes cfg as TOML.
func dumpConfig(w io.Writer, cfg *fileConfig) error {
	return toml.NewEncoder(w).Encode(cfg)
}
