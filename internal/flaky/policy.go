// Package flaky decides whether a finished test attempt should be retried.
// Tests configured as flaky in their suite get a fixed budget of additional
// attempts; everything else fails on the first failed attempt.
package flaky

// MaxAttempts bounds the total number of attempts for a flaky test: the
// first attempt plus up to four retries.
const MaxAttempts = 5

// Decision is the outcome of consulting the retry policy.
type Decision int

const (
	// Stop records the attempt's outcome as terminal.
	Stop Decision = iota
	// Retry schedules a fresh attempt for the same test unit.
	Retry
)

// String makes Decision satisfy the fmt.Stringer interface.
func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "stop"
}

// Decide applies the retry rule to a completed attempt. A test is retried
// iff it is marked flaky, the attempt did not pass, the attempt was not
// cancelled by a timeout or an operator interrupt, and the attempt budget is
// not exhausted. attempt is 1-based.
func Decide(passed, isFlaky, cancelled bool, attempt int) Decision {
	if passed || !isFlaky || cancelled {
		return Stop
	}
	if attempt >= MaxAttempts {
		return Stop
	}
	return Retry
}
