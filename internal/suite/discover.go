package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"testdrive/internal/config"
	"testdrive/pkg/logging"
)

// Discover walks opts.Root for suite directories and populates the registry
// with one suite per (directory, mode) pair, each holding its discovered
// units. Per-suite test listing runs concurrently; case-list probes of large
// suites dominate discovery time otherwise.
func Discover(ctx context.Context, reg *Registry, opts *Options) error {
	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return fmt.Errorf("failed to read suites directory %s: %w", opts.Root, err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(opts.Root, e.Name())
		if config.HasSuiteConfig(dir) {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	if len(dirs) == 0 {
		return fmt.Errorf("no suites found under %s", opts.Root)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, dir := range dirs {
		cfg, err := config.LoadSuiteConfig(dir)
		if err != nil {
			return err
		}
		for _, mode := range opts.Modes {
			s, err := New(dir, cfg, mode, reg, opts)
			if err != nil {
				return err
			}
			g.Go(func() error {
				return s.addTests(gctx)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logging.Info("Suite", "Discovered %d test(s) across %d suite(s)", reg.TestCount(), len(reg.Suites()))
	return nil
}
