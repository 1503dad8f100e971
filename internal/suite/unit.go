package suite

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Outcome is the lifecycle state of a test unit.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomePassed    Outcome = "passed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// TestUnit is one schedulable test case instance. Units are created at
// discovery time and carry only identity and static configuration; all
// per-attempt state lives in the attempt records the scheduler produces.
type TestUnit struct {
	Suite     *Suite
	Shortname string
	// ID is unique within a (suite key, shortname) pair, so repeated runs of
	// the same test get stable, correlated identifiers: a.1 a.2, b.1 b.2.
	ID int
	// Flaky marks the unit as configured to fail intermittently; it is
	// retried automatically on failure.
	Flaky bool
	// Args are the unit's resolved command line arguments.
	Args []string
}

// Name is the test's path-like identity: <suite>/<shortname without case>.
func (u *TestUnit) Name() string {
	base := strings.SplitN(u.Shortname, ".", 2)[0]
	return filepath.Join(u.Suite.Name, base)
}

// UName is the unique, human-readable identity used as a file name prefix.
func (u *TestUnit) UName() string {
	return fmt.Sprintf("%s.%s.%d", u.Suite.Name, u.Shortname, u.ID)
}

// Mode returns the build mode the unit runs in.
func (u *TestUnit) Mode() string {
	return u.Suite.Mode
}

// LogPath is the per-attempt log file capturing the test's output.
func (u *TestUnit) LogPath() string {
	return filepath.Join(u.Suite.opts.Tmpdir, u.Suite.Mode, u.UName()+".log")
}

// Invocation describes how to launch one attempt of a unit: the executable,
// its arguments and environment, and how the process should be treated.
type Invocation struct {
	Path string
	Args []string
	Env  map[string]string

	// ValidExitCodes are the exit codes treated as success. Empty means
	// only zero.
	ValidExitCodes []int

	// Gentle requests terminate-then-wait instead of an immediate kill when
	// the attempt is cancelled.
	Gentle bool

	// NeedsCluster makes the scheduler lease a cluster from the suite pool
	// before launching the process.
	NeedsCluster bool

	// Exclusive requests sole holdership of the leased cluster.
	Exclusive bool

	// HostFlag, when non-empty, is prepended to Args as HostFlag+endpoint
	// once a cluster has been leased.
	HostFlag string
}

// Success reports whether code is an acceptable exit code.
func (inv *Invocation) Success(code int) bool {
	if len(inv.ValidExitCodes) == 0 {
		return code == 0
	}
	for _, c := range inv.ValidExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Result is the terminal record of a unit: produced once by the scheduler
// after retries are exhausted or the unit passed, then consumed by the
// report aggregator.
type Result struct {
	Unit          *TestUnit
	Outcome       Outcome
	Attempts      int
	FlakyFailures int
	Start         time.Time
	End           time.Time
	// Diagnostic summarizes why the unit failed (exit code, timeout,
	// pre-check error). Empty on success.
	Diagnostic string
	// ServerLog carries cluster-side output captured for failures of
	// cluster-backed units.
	ServerLog string
}

// Passed reports whether the unit reached a passing terminal outcome.
func (r *Result) Passed() bool {
	return r.Outcome == OutcomePassed
}

// FlakyPass reports whether the unit passed only after flaky failures.
func (r *Result) FlakyPass() bool {
	return r.Outcome == OutcomePassed && r.FlakyFailures > 0
}

// Duration is the wall-clock time of the final attempt.
func (r *Result) Duration() time.Duration {
	return r.End.Sub(r.Start)
}
