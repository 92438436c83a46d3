package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialBaseRetryDelayMs: 100,
		BackoffFactor:           2.0,
		MaxDelayMs:              1000,
		MaxJitterFactor:         0.25,
	}
}

func TestNextDelay_GrowsExponentially(t *testing.T) {
	cfg := testConfig()
	cfg.DisableJitter = true
	b := New(cfg)

	assert.Equal(t, int64(100), b.NextDelay())
	assert.Equal(t, int64(200), b.NextDelay())
	assert.Equal(t, int64(400), b.NextDelay())
	assert.Equal(t, int64(800), b.NextDelay())
}

func TestNextDelay_CapsAtMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.DisableJitter = true
	b := New(cfg)

	for i := 0; i < 20; i++ {
		d := b.NextDelay()
		assert.LessOrEqual(t, d, cfg.MaxDelayMs)
	}
}

func TestNextDelay_JitterWithinBounds(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)

	maxWithJitter := int64(float64(cfg.MaxDelayMs) * (1 + cfg.MaxJitterFactor))
	for i := 0; i < 200; i++ {
		d := b.NextDelay()
		assert.GreaterOrEqual(t, d, int64(0))
		assert.LessOrEqual(t, d, maxWithJitter)
	}
}

func TestReset_RestoresInitialDelay(t *testing.T) {
	cfg := testConfig()
	cfg.DisableJitter = true
	b := New(cfg)

	first := b.NextDelay()
	b.NextDelay()
	b.NextDelay()
	b.Reset()

	assert.Equal(t, first, b.NextDelay())
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	cfg := Config{
		InitialBaseRetryDelayMs: 10_000,
		BackoffFactor:           2.0,
		MaxDelayMs:              60_000,
		DisableJitter:           true,
	}
	b := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("rejects non-positive maxDelayMs", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxDelayMs = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects backoffFactor below 1", func(t *testing.T) {
		cfg := testConfig()
		cfg.BackoffFactor = 0.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects initial delay exceeding max", func(t *testing.T) {
		cfg := testConfig()
		cfg.InitialBaseRetryDelayMs = 2000
		assert.Error(t, cfg.Validate())
	})

	t.Run("accepts a well-formed config", func(t *testing.T) {
		assert.NoError(t, testConfig().Validate())
	})
}
