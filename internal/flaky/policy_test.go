package flaky

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPassedStops(t *testing.T) {
	assert.Equal(t, Stop, Decide(true, true, false, 1))
	assert.Equal(t, Stop, Decide(true, false, false, 1))
}

func TestNonFlakyFailureStops(t *testing.T) {
	assert.Equal(t, Stop, Decide(false, false, false, 1))
}

func TestFlakyFailureRetriesUntilBudgetExhausted(t *testing.T) {
	for attempt := 1; attempt < MaxAttempts; attempt++ {
		assert.Equal(t, Retry, Decide(false, true, false, attempt), "attempt %d", attempt)
	}
	assert.Equal(t, Stop, Decide(false, true, false, MaxAttempts))
	assert.Equal(t, Stop, Decide(false, true, false, MaxAttempts+1))
}

func TestCancelledNeverRetries(t *testing.T) {
	assert.Equal(t, Stop, Decide(false, true, true, 1))
	assert.Equal(t, Stop, Decide(false, false, true, 3))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "stop", Stop.String())
}
