package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"testdrive/internal/artifacts"
	"testdrive/internal/config"
	"testdrive/internal/interrupt"
	"testdrive/internal/report"
	"testdrive/internal/runner"
	"testdrive/internal/suite"
	"testdrive/pkg/logging"
)

var (
	runModes         []string
	runSuitesDir     string
	runBuildDir      string
	runTmpdir        string
	runSkip          string
	runRepeat        int
	runParallelCases bool

	runJobs          int
	runTimeout       time.Duration
	runCPUs          string
	runVerbose       bool
	runSaveLogOnOK   bool
)

var runCmd = &cobra.Command{
	Use:   "run [name ...]",
	Short: "Discover and run tests",
	Long: `Discover and run all tests, or only those whose <suite>/<name> path
contains one of the given names as a substring.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTests(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	addDiscoveryFlags(runCmd.Flags())
	runCmd.Flags().IntVar(&runJobs, "jobs", runtime.NumCPU(),
		"Maximum number of tests running at once")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 20*time.Minute,
		"Maximum runtime of a single test attempt")
	runCmd.Flags().StringVar(&runCPUs, "cpus", "",
		"CPU set to pin test processes to, in taskset format")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false,
		"Log at debug level")
	runCmd.Flags().BoolVar(&runSaveLogOnOK, "save-log-on-success", false,
		"Keep logs and cluster data of passing tests")
}

// addDiscoveryFlags registers the flags shared by run and list.
func addDiscoveryFlags(f *pflag.FlagSet) {
	f.StringSliceVar(&runModes, "mode", []string{"dev"},
		"Build mode(s) to run tests for, or 'all'")
	f.StringVar(&runSuitesDir, "suites-dir", "test",
		"Directory containing the test suites")
	f.StringVar(&runBuildDir, "build-dir", "build",
		"Directory containing per-mode build output")
	f.StringVar(&runTmpdir, "tmpdir", "testlog",
		"Directory receiving logs, data directories and reports")
	f.StringVar(&runSkip, "skip", "",
		"Skip tests whose path contains this substring")
	f.IntVar(&runRepeat, "repeat", 1,
		"Run each discovered test this many times")
	f.BoolVar(&runParallelCases, "parallel-cases", true,
		"Split multi-case test binaries into independently scheduled cases")
}

// resolveModes expands 'all' and validates the requested modes.
func resolveModes(modes []string) ([]string, error) {
	if len(modes) == 1 && modes[0] == "all" {
		return config.AllModes, nil
	}
	for _, m := range modes {
		if !config.IsKnownMode(m) {
			return nil, fmt.Errorf("unknown mode '%s', expected one of %s or all",
				m, strings.Join(config.AllModes, ", "))
		}
	}
	return modes, nil
}

func discoveryOptions(nameFilters []string) (*suite.Options, error) {
	modes, err := resolveModes(runModes)
	if err != nil {
		return nil, err
	}
	tmpdir, err := filepath.Abs(runTmpdir)
	if err != nil {
		return nil, err
	}
	return &suite.Options{
		Root:             runSuitesDir,
		BuildDir:         runBuildDir,
		Modes:            modes,
		NameFilters:      nameFilters,
		SkipPattern:      runSkip,
		Repeat:           runRepeat,
		Tmpdir:           tmpdir,
		ParallelCases:    runParallelCases,
		SaveLogOnSuccess: runSaveLogOnOK,
	}, nil
}

func runTests(ctx context.Context, nameFilters []string) error {
	opts, err := discoveryOptions(nameFilters)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(logLevel)
	if runVerbose {
		level = logging.LevelDebug
	}
	if err := logging.InitFile(level, opts.Tmpdir, "testdrive.log"); err != nil {
		return err
	}
	defer logging.Close()

	for _, mode := range opts.Modes {
		if err := os.MkdirAll(filepath.Join(opts.Tmpdir, mode), 0o755); err != nil {
			return err
		}
	}

	art := artifacts.NewRegistry()
	reg := suite.NewRegistry(art)
	if err := suite.Discover(ctx, reg, opts); err != nil {
		return err
	}
	if reg.TestCount() == 0 {
		fmt.Println("No tests found matching the given filters.")
		return nil
	}

	ctrl := interrupt.Watch()
	defer ctrl.Stop()

	agg := report.NewAggregator(os.Stdout, opts.Tmpdir)
	fmt.Printf("=== Running %d test(s) in mode(s) %s with %d job(s) ===\n",
		reg.TestCount(), strings.Join(opts.Modes, ", "), runJobs)

	run := runner.New(reg, &runner.Config{
		Jobs:             runJobs,
		Timeout:          runTimeout,
		CPUs:             runCPUs,
		SaveLogOnSuccess: runSaveLogOnOK,
		Interrupt:        ctrl,
		OnResult:         agg.Progress,
	})
	run.Run(ctx)

	hadFailure := len(agg.Failed()) > 0
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := art.CloseAll(closeCtx, hadFailure); err != nil {
		logging.Warn("Main", "Cleanup at exit reported errors: %v", err)
	}

	if err := agg.WriteFiles(); err != nil {
		logging.Warn("Main", "Failed to write report files: %v", err)
	}
	ok := agg.Summarize()

	if ctrl.Requested() {
		logging.Close()
		os.Exit(ctrl.ExitCode())
	}
	if !ok {
		return fmt.Errorf("%d test(s) failed", len(agg.Failed()))
	}
	return nil
}
