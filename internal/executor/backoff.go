package executor

import "time"

// nextBackoff applies jittered exponential backoff to wait, returning the
// delay to sleep before the next attempt and the wait value to carry into
// the attempt after that. Jitter is +/-10% of wait, matching the DAG-engine
// enrichment source's formula.
func nextBackoff(wait time.Duration, policy RetryPolicy, jitterSeed int64) (sleep, next time.Duration) {
	jitter := time.Duration(float64(wait) * 0.1 * (2*float64(jitterSeed%100)/100 - 1))
	sleep = wait + jitter
	if sleep < 0 {
		sleep = 0
	}
	next = time.Duration(float64(wait) * policy.Multiplier)
	if next > policy.MaxWait {
		next = policy.MaxWait
	}
	return sleep, next
}
