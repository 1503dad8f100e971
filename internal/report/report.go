// Package report aggregates terminal test results into console progress
// output, an end-of-run summary and per-mode report files.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"testdrive/internal/suite"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	flakStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

// Aggregator collects results as the scheduler produces them.
type Aggregator struct {
	mu      sync.Mutex
	out     io.Writer
	tmpdir  string
	results []*suite.Result
}

func NewAggregator(out io.Writer, tmpdir string) *Aggregator {
	return &Aggregator{out: out, tmpdir: tmpdir}
}

// Progress records one result and prints its console line. It matches the
// runner's result callback.
func (a *Aggregator) Progress(res *suite.Result, done, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, res)

	var status string
	switch {
	case res.FlakyPass():
		status = flakStyle.Render("FLAKY") + fmt.Sprintf(" (%d failed attempt(s))", res.FlakyFailures)
	case res.Passed():
		status = passStyle.Render("PASSED")
	case res.Outcome == suite.OutcomeCancelled:
		status = failStyle.Render("CANCELLED")
	default:
		status = failStyle.Render("FAILED")
	}

	fmt.Fprintf(a.out, "[%d/%d] %s %s %s %s\n",
		done, total, status, res.Unit.Name(), res.Unit.Mode(),
		dimStyle.Render(res.Duration().Round(time.Millisecond).String()))
	if res.Diagnostic != "" {
		fmt.Fprintf(a.out, "        %s\n", res.Diagnostic)
	}
	if res.ServerLog != "" {
		fmt.Fprintf(a.out, "=== server log of %s follows ===\n%s\n=== end of server log ===\n",
			res.Unit.UName(), res.ServerLog)
	}
}

// Failed returns the results without a passing outcome.
func (a *Aggregator) Failed() []*suite.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	var failed []*suite.Result
	for _, res := range a.results {
		if !res.Passed() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Summarize prints the end-of-run blurb and reports whether all tests
// passed.
func (a *Aggregator) Summarize() bool {
	failed := a.Failed()
	a.mu.Lock()
	total := len(a.results)
	flaky := 0
	for _, res := range a.results {
		if res.FlakyPass() {
			flaky++
		}
	}
	a.mu.Unlock()

	if len(failed) == 0 {
		fmt.Fprintf(a.out, "\n%s %d test(s) passed", passStyle.Render("OK."), total)
		if flaky > 0 {
			fmt.Fprintf(a.out, ", %d of them after flaky failures", flaky)
		}
		fmt.Fprintln(a.out)
		return true
	}

	fmt.Fprintf(a.out, "\nThe following %d test(s) have %s, out of %d:\n",
		len(failed), failStyle.Render("FAILED"), total)
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Unit.UName() < failed[j].Unit.UName()
	})
	for _, res := range failed {
		fmt.Fprintf(a.out, "  %s %s\n", res.Unit.UName(), dimStyle.Render(res.Unit.LogPath()))
	}
	fmt.Fprintf(a.out, "Output of the failed tests can be found in %s\n", a.tmpdir)
	return false
}

// modeReport is the per-mode report file written under the mode's tmpdir.
type modeReport struct {
	RunID    string      `yaml:"run_id"`
	Mode     string      `yaml:"mode"`
	Total    int         `yaml:"total"`
	Failures int         `yaml:"failures"`
	Tests    []testEntry `yaml:"tests"`
}

type testEntry struct {
	Name     string `yaml:"name"`
	Attempts int    `yaml:"attempts"`
	Outcome  string `yaml:"outcome"`
	Log      string `yaml:"log,omitempty"`
}

// WriteFiles writes one report file per mode seen in the results. Tests of
// kinds that emit their own result files are counted in the totals but get
// no entry of their own.
func (a *Aggregator) WriteFiles() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	runID := uuid.NewString()
	perMode := make(map[string]*modeReport)
	for _, res := range a.results {
		mode := res.Unit.Mode()
		mr, ok := perMode[mode]
		if !ok {
			mr = &modeReport{RunID: runID, Mode: mode}
			perMode[mode] = mr
		}
		mr.Total++
		if !res.Passed() {
			mr.Failures++
		}
		if res.Unit.Suite.Kind.OwnReport() {
			continue
		}
		entry := testEntry{
			Name:     res.Unit.UName(),
			Attempts: res.Attempts,
			Outcome:  string(res.Outcome),
		}
		if !res.Passed() {
			if data, err := os.ReadFile(res.Unit.LogPath()); err == nil {
				entry.Log = string(data)
			}
		}
		mr.Tests = append(mr.Tests, entry)
	}

	for mode, mr := range perMode {
		sort.Slice(mr.Tests, func(i, j int) bool { return mr.Tests[i].Name < mr.Tests[j].Name })
		data, err := yaml.Marshal(mr)
		if err != nil {
			return err
		}
		path := filepath.Join(a.tmpdir, mode, "report.yaml")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write report for mode %s: %w", mode, err)
		}
	}
	return nil
}
