// Package suite discovers test units and owns per-suite configuration.
// A suite is a directory with a suite.yaml and tests of one kind; it is
// instantiated once per requested build mode. Suites with cluster-backed
// tests own a bounded pool of database clusters shared across their units.
package suite

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"testdrive/internal/artifacts"
	"testdrive/internal/cluster"
	"testdrive/internal/config"
	"testdrive/internal/pool"
)

// Options carries the command line knobs discovery and attempt construction
// need. One value is shared by all suites of a run.
type Options struct {
	// Root is the directory containing suite directories.
	Root string
	// BuildDir holds per-mode build output: <BuildDir>/<mode>/...
	BuildDir string
	// Modes are the build modes to instantiate suites for.
	Modes []string
	// NameFilters restricts discovery to tests whose <suite>/<name> path
	// contains one of the filters as a substring. Empty runs everything.
	NameFilters []string
	// SkipPattern excludes tests whose path contains it.
	SkipPattern string
	// Repeat replicates every discovered unit N times.
	Repeat int
	// Tmpdir receives logs, data dirs and report files, per mode.
	Tmpdir string
	// ParallelCases splits multi-case test binaries into per-case units.
	ParallelCases bool
	// SaveLogOnSuccess keeps logs and cluster data dirs even when all of a
	// suite's tests passed.
	SaveLogOnSuccess bool
	// ProbeTimeout bounds a single case-list probe of a test binary.
	ProbeTimeout time.Duration
}

// Registry is the process-scoped context shared by suites: sequence
// counters, the artifact registry, the host registry and the case cache.
// It replaces ambient global state so schedulers can be tested in
// isolation.
type Registry struct {
	mu        sync.Mutex
	suites    []*Suite
	byKey     map[string]*Suite
	nextID    map[string]int
	caseCache map[string][]string

	Artifacts *artifacts.Registry
	Hosts     *cluster.HostRegistry
}

// NewRegistry creates an empty registry around the given artifact registry.
func NewRegistry(art *artifacts.Registry) *Registry {
	return &Registry{
		byKey:     make(map[string]*Suite),
		nextID:    make(map[string]int),
		caseCache: make(map[string][]string),
		Artifacts: art,
		Hosts:     cluster.NewHostRegistry(),
	}
}

// NextID generates the next sequence id for a (suite key, test) pair.
func (r *Registry) NextID(testKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID[testKey]++
	return r.nextID[testKey]
}

// TestCount returns the total number of discovered units.
func (r *Registry) TestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.nextID {
		n += c
	}
	return n
}

// Suites returns all suites, ordered by suite key for determinism.
func (r *Registry) Suites() []*Suite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Suite, len(r.suites))
	copy(out, r.suites)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AllUnits returns every discovered unit. Within each suite the run-first
// partition leads; across suites the order follows the suite key.
func (r *Registry) AllUnits() []*TestUnit {
	var units []*TestUnit
	for _, s := range r.Suites() {
		units = append(units, s.Units...)
	}
	return units
}

func (r *Registry) addSuite(s *Suite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites = append(r.suites, s)
	r.byKey[s.Key] = s
}

func (r *Registry) cachedCases(key string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cases, ok := r.caseCache[key]
	return cases, ok
}

func (r *Registry) storeCases(key string, cases []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caseCache[key] = cases
}

// Suite is one test directory instantiated for one build mode.
type Suite struct {
	Path string
	Name string
	Mode string
	// Key identifies the (path, mode) instantiation and doubles as the
	// suite's cleanup scope.
	Key  string
	Cfg  *config.SuiteConfig
	Kind Kind

	// Units discovered for this suite, run-first partition leading.
	Units []*TestUnit

	// Pending counts units without a terminal outcome. Maintained by the
	// scheduler; when it reaches zero the suite scope closes.
	Pending int
	// Failed counts units with a failed or cancelled terminal outcome.
	Failed int

	// Clusters is the suite's cluster pool; nil for kinds that do not
	// lease clusters.
	Clusters *pool.Pool[*cluster.Cluster]

	reg        *Registry
	opts       *Options
	excluded   map[string]struct{}
	flaky      map[string]struct{}
	runFirst   map[string]struct{}
	noParallel map[string]struct{}
}

// New creates a suite for one mode from its loaded configuration. The suite
// kind is selected by cfg.Type from a closed set.
func New(path string, cfg *config.SuiteConfig, mode string, reg *Registry, opts *Options) (*Suite, error) {
	s := &Suite{
		Path:     path,
		Name:     filepath.Base(path),
		Mode:     mode,
		Key:      filepath.Join(path, mode),
		Cfg:      cfg,
		reg:      reg,
		opts:     opts,
		excluded: cfg.Exclusions(mode),
		flaky:    cfg.FlakySet(),
		runFirst: cfg.RunFirstSet(),
	}
	s.noParallel = make(map[string]struct{}, len(cfg.NoParallelCases))
	for _, n := range cfg.NoParallelCases {
		s.noParallel[n] = struct{}{}
	}
	kind, err := newKind(cfg.Type, s)
	if err != nil {
		return nil, fmt.Errorf("failed to load tests in %s: %w", path, err)
	}
	s.Kind = kind
	reg.addSuite(s)
	return s, nil
}

// Registry returns the process context the suite belongs to.
func (s *Suite) Registry() *Registry { return s.reg }

// Opts returns the shared discovery options.
func (s *Suite) Opts() *Options { return s.opts }

// ServerExe is the database server binary for the suite's mode.
func (s *Suite) ServerExe() string {
	return filepath.Join(s.opts.BuildDir, s.Mode, "server")
}

// newUnit appends a unit for shortname with the given arguments, assigning
// the next sequence id within this suite.
func (s *Suite) newUnit(shortname string, args []string) *TestUnit {
	u := &TestUnit{
		Suite:     s,
		Shortname: shortname,
		ID:        s.reg.NextID(shortname + "|" + s.Key),
		Flaky:     s.isFlaky(baseShort(shortname)),
		Args:      args,
	}
	s.Units = append(s.Units, u)
	s.Pending++
	return u
}

func (s *Suite) isFlaky(shortname string) bool {
	_, ok := s.flaky[shortname]
	return ok
}

// addTests lists candidate names, applies the exclusion sets and filters,
// and asks the kind to add units, repeating per the repeat count.
func (s *Suite) addTests(ctx context.Context) error {
	names, err := s.Kind.List()
	if err != nil {
		return fmt.Errorf("failed to list tests of suite %s: %w", s.Path, err)
	}

	// Long tests tagged run_first are dispatched before the rest.
	sort.Slice(names, func(i, j int) bool {
		_, fi := s.runFirst[names[i]]
		_, fj := s.runFirst[names[j]]
		if fi != fj {
			return fi
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if _, ok := s.excluded[name]; ok {
			continue
		}
		full := filepath.Join(s.Name, name)
		if s.opts.SkipPattern != "" && strings.Contains(full, s.opts.SkipPattern) {
			continue
		}
		if !matchesAny(full, s.opts.NameFilters) {
			continue
		}
		repeat := s.opts.Repeat
		if repeat < 1 {
			repeat = 1
		}
		// Variants of the same test are added sequentially so the case
		// cache has a chance to populate.
		for i := 0; i < repeat; i++ {
			if err := s.Kind.AddTest(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesAny(full string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.Contains(full, f) {
			return true
		}
	}
	return false
}

// initClusterPool builds the suite's cluster pool and registers the cleanup
// of every cluster the factory creates.
func (s *Suite) initClusterPool() {
	factory := cluster.New(cluster.Options{
		Exe:          s.ServerExe(),
		Vardir:       filepath.Join(s.opts.Tmpdir, s.Mode),
		Size:         s.Cfg.ClusterSize,
		ExtraOptions: s.Cfg.ExtraServerOptions,
		ExtraConfig:  s.Cfg.ExtraServerConfig,
		Hosts:        s.reg.Hosts,
	})

	wrapped := func(ctx context.Context) (*cluster.Cluster, error) {
		c, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		// Stop when the suite is done; remove data dirs too unless they
		// are wanted for failure analysis.
		s.reg.Artifacts.Add(s.Key, artifacts.Always, func(ctx context.Context) error {
			return c.Stop(ctx)
		})
		s.reg.Artifacts.Add(s.Key, artifacts.Always, func(ctx context.Context) error {
			if s.opts.SaveLogOnSuccess || s.Failed > 0 {
				return nil
			}
			return c.Uninstall(ctx)
		})
		s.reg.Artifacts.AddGlobal(artifacts.Always, func(ctx context.Context) error {
			return c.Stop(ctx)
		})
		return c, nil
	}

	s.Clusters = pool.New(s.Cfg.PoolSize, wrapped,
		func(ctx context.Context, c *cluster.Cluster) error { return cluster.Recycle(ctx, c) },
		func(ctx context.Context, c *cluster.Cluster) error { return c.Stop(ctx) },
	)
}
