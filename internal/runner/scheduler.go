package runner

import (
	"context"
	"time"

	"testdrive/internal/flaky"
	"testdrive/internal/suite"
	"testdrive/pkg/logging"
)

// Runner executes all discovered units of a registry.
type Runner struct {
	cfg *Config
	reg *suite.Registry
}

// New builds a runner over the registry's units. The config is copied, with
// unset limits defaulted; the caller's value is left untouched.
func New(reg *suite.Registry, cfg *Config) *Runner {
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
	if c.Jobs < 1 {
		c.Jobs = 1
	}
	return &Runner{cfg: &c, reg: reg}
}

// unitState tracks a unit across its attempts.
type unitState struct {
	attempts      int
	flakyFailures int
}

// Run dispatches units until all reach a terminal outcome or the run is
// interrupted. At most cfg.Jobs attempts are in flight; a finished attempt
// frees its slot before any retry or successor is launched. Results arrive
// in completion order.
func (r *Runner) Run(ctx context.Context) []*suite.Result {
	units := r.reg.AllUnits()
	total := len(units)
	results := make([]*suite.Result, 0, total)
	if total == 0 {
		return results
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	completions := make(chan attemptOutcome)
	state := make(map[*suite.TestUnit]*unitState, total)
	next, inFlight := 0, 0
	interrupted := false
	interruptCh := r.cfg.Interrupt.Done()

	finalize := func(out attemptOutcome, st *unitState) {
		res := &suite.Result{
			Unit:          out.unit,
			Outcome:       suite.OutcomeFailed,
			Attempts:      st.attempts,
			FlakyFailures: st.flakyFailures,
			Start:         out.start,
			End:           out.end,
			Diagnostic:    out.diag,
			ServerLog:     out.serverLog,
		}
		switch {
		case out.cancelled:
			res.Outcome = suite.OutcomeCancelled
		case out.ok:
			res.Outcome = suite.OutcomePassed
		}
		results = append(results, res)
		r.suiteDone(out.unit.Suite, res)
		if r.cfg.OnResult != nil {
			r.cfg.OnResult(res, len(results), total)
		}
	}

	for {
		for !interrupted && next < total && inFlight < r.cfg.Jobs {
			u := units[next]
			next++
			st := &unitState{}
			state[u] = st
			r.launch(runCtx, u, st, completions)
			inFlight++
		}
		if interrupted {
			// Units never dispatched are cancelled on the spot.
			for ; next < total; next++ {
				u := units[next]
				now := time.Now()
				finalize(attemptOutcome{
					unit:      u,
					cancelled: true,
					diag:      "not started, run was interrupted",
					start:     now,
					end:       now,
				}, &unitState{})
			}
		}
		if inFlight == 0 && next >= total {
			break
		}

		select {
		case out := <-completions:
			inFlight--
			st := state[out.unit]
			if flaky.Decide(out.ok, out.unit.Flaky, out.cancelled, st.attempts) == flaky.Retry {
				st.flakyFailures++
				logging.Info("Runner", "Retrying flaky test %s (attempt %d of %d)",
					out.unit.UName(), st.attempts+1, flaky.MaxAttempts)
				r.launch(runCtx, out.unit, st, completions)
				inFlight++
				continue
			}
			finalize(out, st)
		case <-interruptCh:
			interrupted = true
			interruptCh = nil
			cancelRun()
			logging.Info("Runner", "Interrupted by %v, cancelling %d running test(s)",
				r.cfg.Interrupt.Signal(), inFlight)
		}
	}
	return results
}

func (r *Runner) launch(ctx context.Context, u *suite.TestUnit, st *unitState, completions chan<- attemptOutcome) {
	st.attempts++
	attempt := st.attempts
	go func() {
		completions <- r.runAttempt(ctx, u, attempt)
	}()
}

// suiteDone does the per-suite bookkeeping for a terminal result. The last
// unit of a suite closes its cluster pool and runs its cleanup scope.
func (r *Runner) suiteDone(s *suite.Suite, res *suite.Result) {
	if !res.Passed() {
		s.Failed++
	}
	s.Pending--
	if s.Pending > 0 {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if s.Clusters != nil {
		s.Clusters.Close(closeCtx)
	}
	if err := s.Registry().Artifacts.CloseScope(closeCtx, s.Key, s.Failed > 0); err != nil {
		logging.Warn("Runner", "Cleanup of suite %s reported errors: %v", s.Key, err)
	}
}
