package sync

import (
	"math"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefaultsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 249, cfg.DefaultRangeSize.BitLen())
	require.Equal(t, uint32(512*1024), cfg.requestBytes())
	require.Equal(t, uint64(512*1024+responseSlack), cfg.responseCap())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no concurrency", func(c *Config) { c.MaxRangesPerBatch = 0 }},
		{"buffer below concurrency", func(c *Config) { c.MaxBufferedRanges = c.MaxRangesPerBatch - 1 }},
		{"no response budget", func(c *Config) { c.MaxResponseBytes = 0 }},
		{"no attempts", func(c *Config) { c.MaxRetryAttempts = 0 }},
		{"no timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"base above max delay", func(c *Config) { c.RetryBaseDelay = time.Minute }},
		{"missing size", func(c *Config) { c.MaxRangeSize = nil }},
		{"zero min size", func(c *Config) { c.MinRangeSize = new(uint256.Int) }},
		{"default below min", func(c *Config) { c.DefaultRangeSize = uint256.NewInt(1) }},
		{"empty window", func(c *Config) { c.SizingWindow = 0 }},
		{"inverted rates", func(c *Config) { c.LowSuccessRate = 0.99 }},
		{"inverted latencies", func(c *Config) { c.LowLatency = time.Minute }},
		{"zero alpha", func(c *Config) { c.PeerScoreAlpha = 0 }},
		{"negative reschedules", func(c *Config) { c.MaxRangeReschedules = -1 }},
		{"no batch wait", func(c *Config) { c.BatchWait = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_RequestBytesClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResponseBytes = math.MaxUint32 + 10
	require.Equal(t, uint32(math.MaxUint32), cfg.requestBytes())
}

func TestErrorClasses(t *testing.T) {
	require.True(t, IsNetworkError(ErrPeerRejected))
	require.False(t, IsNetworkError(ErrInvalidProof))
	require.True(t, IsDataError(ErrDecodeAccount))
	require.True(t, IsSchedulingError(ErrNoProgress))
	require.False(t, IsSchedulingError(ErrRangeExhausted))

	rng := Range{Start: highKey(0x10), End: highKey(0x20)}
	err := newBatchError(&rng, ErrReschedulesExceed)
	rng.Start = MinKey
	require.Equal(t, highKey(0x10), err.Range.Start)
	require.ErrorIs(t, err, ErrReschedulesExceed)
	require.Contains(t, err.Error(), "range")
	require.Equal(t, ErrNoPeersAvailable.Error(), newBatchError(nil, ErrNoPeersAvailable).Error())
}
