package config

// Build modes the driver knows about. Every suite is instantiated once per
// requested mode, and tests can be included or excluded per mode.
var AllModes = []string{"debug", "release", "dev", "sanitize", "coverage"}

// Modes which run with assertions and sanitizers enabled; tests can opt out
// of these collectively via skip_in_debug_modes.
var DebugModes = map[string]bool{
	"debug":    true,
	"sanitize": true,
}

// IsKnownMode reports whether mode is one of the configured build modes.
func IsKnownMode(mode string) bool {
	for _, m := range AllModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SuiteConfig is the parsed form of a suite.yaml file. One file configures
// all tests found in the suite directory.
type SuiteConfig struct {
	// Type selects the suite kind: unit, cases, exec, cluster or approval.
	Type string `yaml:"type"`

	// Tests which are never run in any mode.
	Disable []string `yaml:"disable"`

	// Tests known to fail intermittently; they are retried on failure.
	Flaky []string `yaml:"flaky"`

	// Long-running tests which should be dispatched before the rest.
	RunFirst []string `yaml:"run_first"`

	// Tests whose individual cases must not be split into parallel units.
	NoParallelCases []string `yaml:"no_parallel_cases"`

	// Tests excluded from every debug-like mode.
	SkipInDebugModes []string `yaml:"skip_in_debug_modes"`

	// Number of server processes per leased cluster.
	ClusterSize int `yaml:"cluster_size"`

	// Maximum number of clusters alive at once for this suite.
	PoolSize int `yaml:"pool_size"`

	// Per-test command line argument sets. A test listed with more than one
	// entry is instantiated once per entry.
	CustomArgs map[string][]string `yaml:"custom_args"`

	// Extra command line options passed to every server process.
	ExtraServerOptions []string `yaml:"extra_server_options"`

	// Extra config options written to every server's config file. Options
	// coming from a test override these, which override the defaults.
	ExtraServerConfig map[string]string `yaml:"extra_server_config"`

	// Remaining keys, notably the per-mode skip_in_<mode> and run_in_<mode>
	// directives, which cannot be expressed as static struct fields.
	Extra map[string][]string `yaml:",inline"`
}

// skipIn returns the skip_in_<mode> list, if present.
func (c *SuiteConfig) skipIn(mode string) []string {
	return c.Extra["skip_in_"+mode]
}

// runIn returns the run_in_<mode> list, if present.
func (c *SuiteConfig) runIn(mode string) []string {
	return c.Extra["run_in_"+mode]
}

// Exclusions computes the set of test names which must not be scheduled in
// the given mode. A test is excluded when it is disabled outright, skipped
// for this mode (or for all debug modes), or pinned to a different mode via
// run_in_<other>. The skip_* and run_in_* mechanisms are independent sets;
// a test excluded by either is excluded, with no precedence between them.
func (c *SuiteConfig) Exclusions(mode string) map[string]struct{} {
	excluded := make(map[string]struct{})
	add := func(names []string) {
		for _, n := range names {
			excluded[n] = struct{}{}
		}
	}

	add(c.Disable)
	add(c.skipIn(mode))
	if DebugModes[mode] {
		add(c.SkipInDebugModes)
	}

	// A test listed in run_in_<m> for some other mode m is pinned to that
	// mode, unless it is also listed in run_in_<mode>.
	runHere := make(map[string]struct{})
	for _, n := range c.runIn(mode) {
		runHere[n] = struct{}{}
	}
	for _, other := range AllModes {
		if other == mode {
			continue
		}
		for _, n := range c.runIn(other) {
			if _, ok := runHere[n]; !ok {
				excluded[n] = struct{}{}
			}
		}
	}
	return excluded
}

// FlakySet returns the flaky test names as a set.
func (c *SuiteConfig) FlakySet() map[string]struct{} {
	s := make(map[string]struct{}, len(c.Flaky))
	for _, n := range c.Flaky {
		s[n] = struct{}{}
	}
	return s
}

// RunFirstSet returns the run_first test names as a set.
func (c *SuiteConfig) RunFirstSet() map[string]struct{} {
	s := make(map[string]struct{}, len(c.RunFirst))
	for _, n := range c.RunFirst {
		s[n] = struct{}{}
	}
	return s
}
