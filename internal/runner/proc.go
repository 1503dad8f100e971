// Package runner schedules test attempts against the concurrency ceiling,
// launches their processes and applies the retry policy for flaky tests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"testdrive/internal/cluster"
	"testdrive/internal/interrupt"
	"testdrive/internal/pool"
	"testdrive/internal/suite"
	"testdrive/pkg/logging"
)

// Config carries the run-wide execution knobs.
type Config struct {
	// Jobs is the maximum number of attempts in flight at once.
	Jobs int
	// Timeout bounds a single attempt; an attempt over budget is killed and
	// its unit cancelled without retry.
	Timeout time.Duration
	// CPUs, when non-empty, pins every test process to the given CPU set.
	CPUs string
	// SaveLogOnSuccess keeps the log files of passing attempts.
	SaveLogOnSuccess bool
	// Interrupt is the operator cancellation signal.
	Interrupt *interrupt.Controller
	// OnResult, when set, observes every terminal result as it is produced.
	OnResult func(res *suite.Result, done, total int)
}

// gentleGrace is how long a gently cancelled process gets between SIGTERM
// and SIGKILL.
const gentleGrace = 30 * time.Second

// attemptOutcome is the record of one finished attempt.
type attemptOutcome struct {
	unit      *suite.TestUnit
	ok        bool
	cancelled bool
	diag      string
	serverLog string
	start     time.Time
	end       time.Time
}

// runAttempt executes one attempt of a unit: leases a cluster when the kind
// needs one, launches the process with its output redirected to the unit's
// log file and judges the result.
func (r *Runner) runAttempt(ctx context.Context, u *suite.TestUnit, attempt int) (out attemptOutcome) {
	out.unit = u
	out.start = time.Now()
	defer func() { out.end = time.Now() }()

	inv, err := u.Suite.Kind.BuildInvocation(u)
	if err != nil {
		out.diag = fmt.Sprintf("failed to build invocation: %v", err)
		return out
	}

	args := inv.Args
	var lease *pool.Lease[*cluster.Cluster]
	if inv.NeedsCluster {
		lease, err = u.Suite.Clusters.Acquire(ctx, inv.Exclusive)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				out.cancelled = true
				out.diag = "cancelled while waiting for a cluster"
				return out
			}
			out.diag = fmt.Sprintf("failed to lease a cluster: %v", err)
			return out
		}
		cl := lease.Item
		if err := cl.BeforeTest(u.UName()); err != nil {
			// The cluster broke under an earlier test. Tear it down so the
			// pool builds a fresh one for the next lease; only this unit
			// fails.
			out.diag = fmt.Sprintf("pre-check failed, replacing the cluster: %v", err)
			logging.Warn("Runner", "Pre-check of %s failed, replacing cluster %s", u.UName(), cl.Name)
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			lease.Discard(releaseCtx)
			cancel()
			return out
		}
		cl.TakeLogSavepoint()
		if inv.HostFlag != "" {
			args = append([]string{inv.HostFlag + cl.Endpoint()}, args...)
		}
	}

	execOK, cancelled, diag := r.execute(ctx, u, inv, args, attempt)

	kindOK := execOK
	if !cancelled {
		kindOK, out.diag = u.Suite.Kind.AfterRun(u, execOK)
	}
	if diag != "" {
		out.diag = diag
	}
	out.ok = kindOK && !cancelled
	out.cancelled = cancelled

	if lease != nil {
		cl := lease.Item
		cl.AfterTest(u.UName(), out.ok)
		if !out.ok {
			out.serverLog = cl.ServerLog()
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if cancelled {
			// Cancellation favors speed over completeness: tear the instance
			// down instead of recycling it.
			lease.Discard(releaseCtx)
		} else {
			lease.Dirty = !out.ok
			lease.Release(releaseCtx)
		}
		cancel()
	}

	if out.ok && !r.cfg.SaveLogOnSuccess {
		os.Remove(u.LogPath())
	}
	return out
}

// execute launches the attempt's process and waits for it, honoring the
// attempt timeout and operator cancellation.
func (r *Runner) execute(ctx context.Context, u *suite.TestUnit, inv *suite.Invocation, args []string, attempt int) (execOK, cancelled bool, diag string) {
	logPath := u.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return false, false, fmt.Sprintf("failed to create log directory: %v", err)
	}
	logf, err := os.Create(logPath)
	if err != nil {
		return false, false, fmt.Sprintf("failed to create log file: %v", err)
	}
	defer logf.Close()

	path := inv.Path
	if r.cfg.CPUs != "" {
		args = append([]string{"-c", r.cfg.CPUs, path}, args...)
		path = "taskset"
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Env = r.buildEnv(u, inv)
	// Tests spawn server subprocesses; a process group lets cancellation
	// reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	fmt.Fprintf(logf, "=== STARTING ATTEMPT #%d: %s %s ===\n", attempt, path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return false, false, fmt.Sprintf("failed to start %s: %v", path, err)
	}
	logging.Debug("Runner", "Started %s attempt %d (pid %d)", u.UName(), attempt, cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		killGroup(cmd, false)
		<-waitCh
		fmt.Fprintf(logf, "=== ATTEMPT #%d TIMED OUT AFTER %s ===\n", attempt, r.cfg.Timeout)
		return false, true, fmt.Sprintf("timed out after %s", r.cfg.Timeout)
	case <-ctx.Done():
		killGroup(cmd, inv.Gentle)
		<-waitCh
		fmt.Fprintf(logf, "=== ATTEMPT #%d CANCELLED ===\n", attempt)
		return false, true, "cancelled"
	}

	code := exitCode(waitErr)
	execOK = inv.Success(code)
	verdict := "FAILED"
	if execOK {
		verdict = "PASSED"
	}
	fmt.Fprintf(logf, "=== ATTEMPT #%d %s: exit status %d ===\n", attempt, verdict, code)
	if !execOK {
		diag = fmt.Sprintf("exit status %d, check the log at %s", code, logPath)
	}
	return execOK, false, diag
}

// buildEnv composes the attempt's environment: the inherited one, the
// sanitizer and tmpdir settings every test gets, and the kind's additions.
func (r *Runner) buildEnv(u *suite.TestUnit, inv *suite.Invocation) []string {
	env := append(os.Environ(),
		"TMPDIR="+filepath.Join(u.Suite.Opts().Tmpdir, u.Mode()),
		"ASAN_OPTIONS=disable_coredump=0:abort_on_error=1",
		"UBSAN_OPTIONS=halt_on_error=1:print_stacktrace=1",
	)
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// killGroup signals the process group of cmd. A gentle kill sends SIGTERM
// first and escalates only after the grace period.
func killGroup(cmd *exec.Cmd, gentle bool) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if gentle {
		syscall.Kill(pgid, syscall.SIGTERM)
		deadline := time.After(gentleGrace)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				syscall.Kill(pgid, syscall.SIGKILL)
				return
			case <-tick.C:
				// The group leader going away means the tree is down.
				if syscall.Kill(pgid, 0) != nil {
					return
				}
			}
		}
	}
	syscall.Kill(pgid, syscall.SIGKILL)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
