package suite

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/semaphore"

	"testdrive/pkg/logging"
)

// defaultUnitArgs is the argument variant used when suite.yaml configures
// no custom_args for a test.
var defaultUnitArgs = []string{"-c2", "-m2G"}

// unitKind runs compiled test binaries from the build tree. Each binary is
// one unit per configured argument variant.
type unitKind struct {
	s *Suite
}

func newUnitKind(s *Suite) *unitKind {
	return &unitKind{s: s}
}

func (k *unitKind) Name() string { return "unit" }

// exeDir is where the suite's binaries land: <build>/<mode>/test/<suite>.
func (k *unitKind) exeDir() string {
	return filepath.Join(k.s.opts.BuildDir, k.s.Mode, "test", k.s.Name)
}

func (k *unitKind) exePath(shortname string) string {
	return filepath.Join(k.exeDir(), baseShort(shortname))
}

func (k *unitKind) List() ([]string, error) {
	dir := k.exeDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	return doublestar.Glob(os.DirFS(dir), "*_test")
}

func (k *unitKind) AddTest(ctx context.Context, name string) error {
	for _, variant := range k.argVariants(name) {
		k.s.newUnit(name, variant)
	}
	return nil
}

// argVariants resolves the argument sets a test is run with. Each
// custom_args entry is one whitespace-separated variant.
func (k *unitKind) argVariants(name string) [][]string {
	custom, ok := k.s.Cfg.CustomArgs[name]
	if !ok || len(custom) == 0 {
		return [][]string{defaultUnitArgs}
	}
	variants := make([][]string, 0, len(custom))
	for _, v := range custom {
		variants = append(variants, strings.Fields(v))
	}
	return variants
}

func (k *unitKind) BuildInvocation(u *TestUnit) (*Invocation, error) {
	return &Invocation{
		Path: k.exePath(u.Shortname),
		Args: u.Args,
	}, nil
}

func (k *unitKind) OwnReport() bool { return false }

func (k *unitKind) AfterRun(u *TestUnit, execOK bool) (bool, string) {
	return execOK, ""
}

// casesKind is the unit kind for binaries whose framework can enumerate and
// select individual cases. With parallel cases enabled, each case becomes
// its own unit so a slow case does not serialize the rest of the binary.
type casesKind struct {
	unitKind

	// probeSem bounds concurrent case-list probes; binaries from a cold
	// build dir are expensive to page in.
	probeSem *semaphore.Weighted
}

func newCasesKind(s *Suite) *casesKind {
	return &casesKind{
		unitKind: unitKind{s: s},
		probeSem: semaphore.NewWeighted(4),
	}
}

func (k *casesKind) Name() string { return "cases" }

func (k *casesKind) AddTest(ctx context.Context, name string) error {
	if !k.s.opts.ParallelCases {
		return k.unitKind.AddTest(ctx, name)
	}
	if _, ok := k.s.noParallel[name]; ok {
		return k.unitKind.AddTest(ctx, name)
	}

	cases, err := k.listCases(ctx, name)
	if err != nil {
		return err
	}
	if len(cases) < 2 {
		return k.unitKind.AddTest(ctx, name)
	}
	for _, c := range cases {
		for _, variant := range k.argVariants(name) {
			args := append([]string{"--run-case=" + c}, variant...)
			k.s.newUnit(name+"."+c, args)
		}
	}
	return nil
}

// listCases asks the test binary to enumerate its cases. Results are cached
// per (mode, suite, test) so repeat runs probe each binary once.
func (k *casesKind) listCases(ctx context.Context, name string) ([]string, error) {
	cacheKey := filepath.Join(k.s.Mode, k.s.Name, name)
	if cases, ok := k.s.reg.cachedCases(cacheKey); ok {
		return cases, nil
	}

	if err := k.probeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer k.probeSem.Release(1)

	timeout := k.s.opts.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, k.exePath(name), "--list-cases")
	cmd.Env = append(os.Environ(), "ASAN_OPTIONS=halt_on_error=0")
	out, err := cmd.Output()
	if err != nil {
		logging.Warn("Suite", "Could not list cases of %s/%s, running it whole: %v", k.s.Name, name, err)
		k.s.reg.storeCases(cacheKey, nil)
		return nil, nil
	}

	cases := parseCaseList(out)
	k.s.reg.storeCases(cacheKey, cases)
	return cases, nil
}

// parseCaseList extracts runnable case names from the enumeration output.
// Runnable cases are printed one per line with a trailing asterisk.
func parseCaseList(out []byte) []string {
	var cases []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if name, ok := strings.CutSuffix(line, "*"); ok {
			cases = append(cases, strings.TrimSpace(name))
		}
	}
	return cases
}

func (k *casesKind) OwnReport() bool { return true }
