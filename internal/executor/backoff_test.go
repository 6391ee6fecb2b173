package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextBackoffCapsAtMaxWait(t *testing.T) {
	policy := RetryPolicy{MaxWait: 2 * time.Second, Multiplier: 2.0}
	_, next := nextBackoff(3*time.Second, policy, 42)
	require.Equal(t, 2*time.Second, next)
}

func TestNextBackoffDoublesWithinBound(t *testing.T) {
	policy := RetryPolicy{MaxWait: 10 * time.Second, Multiplier: 2.0}
	_, next := nextBackoff(1*time.Second, policy, 0)
	require.Equal(t, 2*time.Second, next)
}

func TestNextBackoffSleepStaysWithinJitterBand(t *testing.T) {
	policy := RetryPolicy{MaxWait: 10 * time.Second, Multiplier: 2.0}
	sleep, _ := nextBackoff(1*time.Second, policy, 50)
	require.GreaterOrEqual(t, sleep, 800*time.Millisecond)
	require.LessOrEqual(t, sleep, 1200*time.Millisecond)
}
