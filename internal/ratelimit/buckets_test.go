package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketsAllowRespectsBurst(t *testing.T) {
	b := New()
	b.Configure("source-poll", 1, 2)

	assert.True(t, b.Allow("source-poll"))
	assert.True(t, b.Allow("source-poll"))
	assert.False(t, b.Allow("source-poll"), "burst of 2 should be exhausted after two immediate calls")
}

func TestBucketsGetLazilyCreatesUnconfiguredBucket(t *testing.T) {
	b := New()
	assert.True(t, b.Allow("never-configured"))
}

func TestBucketsWaitReturnsOnceTokenAvailable(t *testing.T) {
	b := New()
	b.Configure("slow", 1000, 1)

	done := make(chan struct{})
	go func() {
		_ = b.Wait(nil, "slow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once a token was available")
	}
}

func TestBucketsWaitCanceledByDoneChannel(t *testing.T) {
	b := New()
	b.Configure("scarce", 0.001, 1)
	require.True(t, b.Allow("scarce"))

	doneCh := make(chan struct{})
	close(doneCh)

	err := b.Wait(doneCh, "scarce")
	assert.Error(t, err)
}

func TestBucketsSweepIdleRemovesStaleEntries(t *testing.T) {
	b := New()
	b.Configure("endpoint-a", 1, 1)
	b.limiters["endpoint-a"].lastUsed = time.Now().Add(-time.Hour)

	b.SweepIdle(time.Minute)

	_, ok := b.limiters["endpoint-a"]
	assert.False(t, ok, "expected a bucket idle past the ttl to be swept")
}

func TestBucketsSweepIdleKeepsRecentEntries(t *testing.T) {
	b := New()
	b.Configure("endpoint-b", 1, 1)

	b.SweepIdle(time.Hour)

	_, ok := b.limiters["endpoint-b"]
	assert.True(t, ok, "expected a recently-used bucket to survive the sweep")
}
