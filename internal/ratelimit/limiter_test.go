package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/casc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimiterWithoutRedisAllowsEverything(t *testing.T) {
	ctx := context.Background()
	l, err := NewLimiter(Params{Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.False(t, l.Enabled())

	res, err := l.AllowIngress(ctx, "1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.AllowAPI(ctx, "1", "user")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	release, err := l.Lock(ctx, "assign:1:+12015550100")
	require.NoError(t, err)
	release()
}

func TestNilLimiterIsSafe(t *testing.T) {
	var l *Limiter
	assert.False(t, l.Enabled())
	res, err := l.AllowIngress(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
}

func TestLimiterRequiresRedisWhenEnabled(t *testing.T) {
	cfg := config.Config{}
	cfg.RateLimit.Enabled = true
	_, err := NewLimiter(Params{Config: cfg, Log: zap.NewNop()})
	assert.Error(t, err)
}

func TestBucketTTLCoversRefill(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(1, 5))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
}
