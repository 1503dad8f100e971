package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testdrive/internal/artifacts"
	"testdrive/internal/flaky"
	"testdrive/internal/interrupt"
	"testdrive/internal/suite"
)

type harness struct {
	opts *suite.Options
	ctrl *interrupt.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	ctrl := interrupt.Watch()
	t.Cleanup(ctrl.Stop)
	return &harness{
		opts: &suite.Options{
			Root:     filepath.Join(base, "test"),
			BuildDir: filepath.Join(base, "build"),
			Modes:    []string{"dev"},
			Tmpdir:   filepath.Join(base, "testlog"),
			Repeat:   1,
		},
		ctrl: ctrl,
	}
}

// addScript installs an executable test script into the unit suite "sh".
func (h *harness) addScript(t *testing.T, name, body string) {
	t.Helper()
	cfgPath := filepath.Join(h.opts.Root, "sh", "suite.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		h.writeSuiteConfig(t, "type: unit\n")
	}
	path := filepath.Join(h.opts.BuildDir, "dev", "test", "sh", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func (h *harness) writeSuiteConfig(t *testing.T, cfg string) {
	t.Helper()
	path := filepath.Join(h.opts.Root, "sh", "suite.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
}

func (h *harness) run(t *testing.T, cfg *Config) []*suite.Result {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(h.opts.Tmpdir, "dev"), 0o755))
	reg := suite.NewRegistry(artifacts.NewRegistry())
	require.NoError(t, suite.Discover(context.Background(), reg, h.opts))
	if cfg.Interrupt == nil {
		cfg.Interrupt = h.ctrl
	}
	return New(reg, cfg).Run(context.Background())
}

func byName(results []*suite.Result) map[string]*suite.Result {
	out := make(map[string]*suite.Result, len(results))
	for _, res := range results {
		out[res.Unit.Shortname] = res
	}
	return out
}

func TestRunAllPass(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "aa_test", "exit 0\n")
	h.addScript(t, "bb_test", "exit 0\n")

	results := h.run(t, &Config{Jobs: 4, Timeout: 30 * time.Second})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, suite.OutcomePassed, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, res.Diagnostic)
		// Logs of passing tests are discarded by default.
		_, err := os.Stat(res.Unit.LogPath())
		assert.True(t, os.IsNotExist(err))
	}
}

func TestFailureProducesDiagnosticAndLog(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "aa_test", "echo inside the test\nexit 3\n")

	results := h.run(t, &Config{Jobs: 1, Timeout: 30 * time.Second})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, suite.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Diagnostic, "exit status 3")

	log, err := os.ReadFile(res.Unit.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(log), "inside the test")
	assert.Contains(t, string(log), "FAILED: exit status 3")
}

func TestFlakyTestIsRetriedUntilItPasses(t *testing.T) {
	h := newHarness(t)
	h.writeSuiteConfig(t, "type: unit\nflaky:\n  - flaky_test\n")
	marker := filepath.Join(t.TempDir(), "attempted")
	h.addScript(t, "flaky_test", fmt.Sprintf(
		"if [ -f %[1]s ]; then exit 0; fi\ntouch %[1]s\nexit 1\n", marker))

	results := h.run(t, &Config{Jobs: 1, Timeout: 30 * time.Second})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, suite.OutcomePassed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.FlakyFailures)
	assert.True(t, res.FlakyPass())
}

func TestFlakyBudgetIsBounded(t *testing.T) {
	h := newHarness(t)
	h.writeSuiteConfig(t, "type: unit\nflaky:\n  - flaky_test\n")
	h.addScript(t, "flaky_test", "exit 1\n")

	results := h.run(t, &Config{Jobs: 1, Timeout: 30 * time.Second})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, suite.OutcomeFailed, res.Outcome)
	assert.Equal(t, flaky.MaxAttempts, res.Attempts)
	assert.Equal(t, flaky.MaxAttempts-1, res.FlakyFailures)
}

func TestTimeoutCancelsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.writeSuiteConfig(t, "type: unit\nflaky:\n  - slow_test\n")
	h.addScript(t, "slow_test", "sleep 60\n")

	start := time.Now()
	results := h.run(t, &Config{Jobs: 1, Timeout: 200 * time.Millisecond})
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, suite.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Diagnostic, "timed out")
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestInterruptCancelsRunningAndQueuedTests(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "aa_test", "sleep 30\n")
	h.addScript(t, "bb_test", "sleep 30\n")

	go func() {
		time.Sleep(300 * time.Millisecond)
		h.ctrl.Fire(syscall.SIGINT)
	}()

	start := time.Now()
	results := h.run(t, &Config{Jobs: 1, Timeout: time.Minute})
	require.Len(t, results, 2)
	assert.Less(t, time.Since(start), 30*time.Second)

	res := byName(results)
	assert.Equal(t, suite.OutcomeCancelled, res["aa_test"].Outcome)
	assert.Equal(t, suite.OutcomeCancelled, res["bb_test"].Outcome)
	assert.Contains(t, res["bb_test"].Diagnostic, "not started")
	assert.Equal(t, -2, h.ctrl.ExitCode())
}

func TestJobsCapConcurrency(t *testing.T) {
	h := newHarness(t)
	// Each script counts its concurrent peers via marker files in the shared
	// tmpdir and fails if the cap was exceeded.
	body := "f=\"$TMPDIR/run.$$\"\ntouch \"$f\"\n" +
		"c=$(ls \"$TMPDIR\" | grep -c '^run\\.')\n" +
		"sleep 0.3\nrm \"$f\"\n[ \"$c\" -le 2 ]\n"
	for _, name := range []string{"aa_test", "bb_test", "cc_test", "dd_test"} {
		h.addScript(t, name, body)
	}

	results := h.run(t, &Config{Jobs: 2, Timeout: 30 * time.Second})
	require.Len(t, results, 4)
	for _, res := range results {
		assert.Equal(t, suite.OutcomePassed, res.Outcome, res.Unit.Shortname)
	}
}

func TestNewDoesNotMutateCallerConfig(t *testing.T) {
	reg := suite.NewRegistry(artifacts.NewRegistry())
	cfg := &Config{}
	r := New(reg, cfg)

	assert.Equal(t, time.Hour, r.cfg.Timeout)
	assert.Equal(t, 1, r.cfg.Jobs)
	assert.Zero(t, cfg.Timeout)
	assert.Zero(t, cfg.Jobs)
}

func TestBrokenClusterFailsOnlyTheLeasingTest(t *testing.T) {
	h := newHarness(t)
	topo := filepath.Join(h.opts.Root, "topology")
	require.NoError(t, os.MkdirAll(topo, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topo, "suite.yaml"), []byte("type: cluster\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(topo, "test_aa"), []byte("#!/bin/sh\nsleep 1\nexit 0\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(topo, "test_bb"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	// The server dies while the first test is still running. That test
	// passes and returns a dead cluster to the pool; the second test's
	// pre-check catches it.
	server := filepath.Join(h.opts.BuildDir, "dev", "server")
	require.NoError(t, os.MkdirAll(filepath.Dir(server), 0o755))
	require.NoError(t, os.WriteFile(server, []byte("#!/bin/sh\nsleep 0.3\n"), 0o755))

	results := h.run(t, &Config{Jobs: 1, Timeout: 30 * time.Second})
	require.Len(t, results, 2)
	res := byName(results)
	assert.Equal(t, suite.OutcomePassed, res["test_aa"].Outcome)
	assert.Equal(t, suite.OutcomeFailed, res["test_bb"].Outcome)
	assert.Contains(t, res["test_bb"].Diagnostic, "replacing the cluster")
	assert.Contains(t, res["test_bb"].Diagnostic, "is down")
}

func TestResultCallbackSeesProgress(t *testing.T) {
	h := newHarness(t)
	h.addScript(t, "aa_test", "exit 0\n")
	h.addScript(t, "bb_test", "exit 0\n")

	var seen []int
	results := h.run(t, &Config{
		Jobs:    1,
		Timeout: 30 * time.Second,
		OnResult: func(res *suite.Result, done, total int) {
			assert.Equal(t, 2, total)
			seen = append(seen, done)
		},
	})
	require.Len(t, results, 2)
	assert.Equal(t, []int{1, 2}, seen)
}
