package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_PerCaller(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	assert.True(t, l.Allow("bob"))
	assert.Less(t, l.Tokens("alice"), 1.0)
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}
}

func TestGetLimiter_Reused(t *testing.T) {
	l := NewLimiter(100, 10)
	assert.Same(t, l.GetLimiter("alice"), l.GetLimiter("alice"))
}

func TestGetLimiter_PrunesIdleCallers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(3600, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	// still draining: kept within the ttl
	now = now.Add(30 * time.Second)
	l.Allow("bob")
	assert.Equal(t, 2, l.Len())

	now = now.Add(31 * time.Second)
	l.Allow("bob")
	assert.Equal(t, 1, l.Len())

	// a recreated bucket is full, same as the refilled one it replaces
	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}

func TestNewLimiter_TTLCoversRefill(t *testing.T) {
	assert.Equal(t, minBucketTTL, NewLimiter(0, 5).ttl)
	assert.Equal(t, minBucketTTL, NewLimiter(3600, 2).ttl)
	// 120 tokens at one per second
	assert.Equal(t, 2*time.Minute, NewLimiter(3600, 120).ttl)
}
