package sync

import (
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"

	"github.com/eth2030/snapsync/metrics"
)

// Config holds the tunables of the account range sync engine.
type Config struct {
	Enabled bool

	// MaxRangesPerBatch bounds the number of requests in flight at once.
	MaxRangesPerBatch int
	// MaxBufferedRanges bounds requests in flight plus responses waiting
	// for an earlier range. Fresh ranges are not handed out beyond it.
	MaxBufferedRanges int
	// MaxResponseBytes is the soft byte budget asked of peers. Responses
	// larger than this plus a small allowance are rejected.
	MaxResponseBytes uint64

	MaxRetryAttempts int
	RequestTimeout   time.Duration
	RetryBaseDelay   time.Duration
	MaxRetryDelay    time.Duration

	DefaultRangeSize *uint256.Int
	MinRangeSize     *uint256.Int
	MaxRangeSize     *uint256.Int

	AdaptiveRangeSizing bool
	SizingWindow        int
	HighSuccessRate     float64
	LowSuccessRate      float64
	LowLatency          time.Duration
	HighLatency         time.Duration

	// PeerScoreAlpha is the EWMA smoothing factor of peer statistics. The
	// default halves a sample's weight after three more requests.
	PeerScoreAlpha float64
	// MaxRangeReschedules bounds how often one range may be re-derived after
	// abandonment or a data failure before the batch fails.
	MaxRangeReschedules int
	// NoPeerTimeout is how long an empty peer pool is tolerated.
	NoPeerTimeout time.Duration
	// BatchWait caps how long one batch waits for responses.
	BatchWait time.Duration
}

// responseSlack is tolerated on top of MaxResponseBytes. Servers stop after
// crossing the budget, so the last account and the boundary proofs may
// exceed it.
const responseSlack = 64 * 1024

// DefaultConfig returns a config that splits the key space into 256 initial
// ranges and keeps 16 requests in flight.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxRangesPerBatch:   16,
		MaxBufferedRanges:   64,
		MaxResponseBytes:    512 * 1024,
		MaxRetryAttempts:    3,
		RequestTimeout:      10 * time.Second,
		RetryBaseDelay:      250 * time.Millisecond,
		MaxRetryDelay:       10 * time.Second,
		DefaultRangeSize:    new(uint256.Int).Lsh(uint256.NewInt(1), 248),
		MinRangeSize:        new(uint256.Int).Lsh(uint256.NewInt(1), 236),
		MaxRangeSize:        new(uint256.Int).Lsh(uint256.NewInt(1), 252),
		AdaptiveRangeSizing: true,
		SizingWindow:        32,
		HighSuccessRate:     0.95,
		LowSuccessRate:      0.6,
		LowLatency:          500 * time.Millisecond,
		HighLatency:         5 * time.Second,
		PeerScoreAlpha:      metrics.AlphaForHalfLife(3),
		MaxRangeReschedules: 8,
		NoPeerTimeout:       2 * time.Minute,
		BatchWait:           time.Second,
	}
}

// Validate checks the config for values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxRangesPerBatch <= 0:
		return fmt.Errorf("%w: max ranges per batch must be positive", ErrInvalidConfig)
	case c.MaxBufferedRanges < c.MaxRangesPerBatch:
		return fmt.Errorf("%w: max buffered ranges below max ranges per batch", ErrInvalidConfig)
	case c.MaxResponseBytes == 0:
		return fmt.Errorf("%w: max response bytes must be positive", ErrInvalidConfig)
	case c.MaxRetryAttempts <= 0:
		return fmt.Errorf("%w: max retry attempts must be positive", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	case c.RetryBaseDelay < 0 || c.MaxRetryDelay < c.RetryBaseDelay:
		return fmt.Errorf("%w: retry delays must satisfy 0 <= base <= max", ErrInvalidConfig)
	case c.MinRangeSize == nil || c.DefaultRangeSize == nil || c.MaxRangeSize == nil:
		return fmt.Errorf("%w: range sizes must be set", ErrInvalidConfig)
	case c.MinRangeSize.IsZero():
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrInvalidRangeSize)
	case c.MinRangeSize.Gt(c.DefaultRangeSize) || c.DefaultRangeSize.Gt(c.MaxRangeSize):
		return fmt.Errorf("%w: range sizes must satisfy min <= default <= max", ErrInvalidConfig)
	case c.SizingWindow <= 0:
		return fmt.Errorf("%w: sizing window must be positive", ErrInvalidConfig)
	case c.LowSuccessRate > c.HighSuccessRate:
		return fmt.Errorf("%w: low success rate above high success rate", ErrInvalidConfig)
	case c.LowLatency > c.HighLatency:
		return fmt.Errorf("%w: low latency above high latency", ErrInvalidConfig)
	case c.PeerScoreAlpha <= 0 || c.PeerScoreAlpha > 1:
		return fmt.Errorf("%w: peer score alpha must be in (0, 1]", ErrInvalidConfig)
	case c.MaxRangeReschedules < 0:
		return fmt.Errorf("%w: max range reschedules must not be negative", ErrInvalidConfig)
	case c.NoPeerTimeout <= 0 || c.BatchWait <= 0:
		return fmt.Errorf("%w: no-peer timeout and batch wait must be positive", ErrInvalidConfig)
	}
	return nil
}

// requestBytes returns the byte budget put on the wire.
func (c *Config) requestBytes() uint32 {
	if c.MaxResponseBytes > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(c.MaxResponseBytes)
}

// responseCap returns the hard response size limit.
func (c *Config) responseCap() uint64 {
	return c.MaxResponseBytes + responseSlack
}
