package suite

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// clusterKind runs test programs that talk to a live database cluster. The
// scheduler leases a cluster from the suite pool for every attempt and
// passes its endpoint on the command line.
type clusterKind struct {
	s *Suite
}

func newClusterKind(s *Suite) *clusterKind {
	k := &clusterKind{s: s}
	s.initClusterPool()
	return k
}

func (k *clusterKind) Name() string { return "cluster" }

func (k *clusterKind) List() ([]string, error) {
	return doublestar.Glob(os.DirFS(k.s.Path), "test_*")
}

func (k *clusterKind) AddTest(ctx context.Context, name string) error {
	k.s.newUnit(name, nil)
	return nil
}

func (k *clusterKind) BuildInvocation(u *TestUnit) (*Invocation, error) {
	return &Invocation{
		Path:         filepath.Join(k.s.Path, baseShort(u.Shortname)),
		Args:         u.Args,
		NeedsCluster: true,
		Exclusive:    true,
		HostFlag:     "--host=",
	}, nil
}

func (k *clusterKind) OwnReport() bool { return false }

func (k *clusterKind) AfterRun(u *TestUnit, execOK bool) (bool, string) {
	return execOK, ""
}

// approvalKind replays query files against a cluster and compares the
// captured output with a checked-in .result file. Mismatching output is
// moved next to the expected file as <test>.reject for inspection.
type approvalKind struct {
	clusterKind
}

func newApprovalKind(s *Suite) *approvalKind {
	return &approvalKind{*newClusterKind(s)}
}

func (k *approvalKind) Name() string { return "approval" }

func (k *approvalKind) List() ([]string, error) {
	files, err := doublestar.Glob(os.DirFS(k.s.Path), "*test.cql")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(f, ".cql"))
	}
	return names, nil
}

func (k *approvalKind) BuildInvocation(u *TestUnit) (*Invocation, error) {
	repl := filepath.Join(k.s.opts.BuildDir, k.s.Mode, "tools", "repl")
	return &Invocation{
		Path: repl,
		Args: []string{
			"--input", filepath.Join(k.s.Path, baseShort(u.Shortname)+".cql"),
			"--output", k.tmpOutput(u),
		},
		NeedsCluster: true,
		Exclusive:    true,
		HostFlag:     "--host=",
	}, nil
}

// tmpOutput is where the replay driver writes the captured query output.
func (k *approvalKind) tmpOutput(u *TestUnit) string {
	return filepath.Join(k.s.opts.Tmpdir, k.s.Mode, u.UName()+".out")
}

func (k *approvalKind) AfterRun(u *TestUnit, execOK bool) (bool, string) {
	tmp := k.tmpOutput(u)
	if !execOK {
		return false, ""
	}
	defer os.Remove(tmp)

	got, err := os.ReadFile(tmp)
	if err != nil {
		return false, fmt.Sprintf("test produced no output: %v", err)
	}
	expectedPath := filepath.Join(k.s.Path, baseShort(u.Shortname)+".result")
	want, err := os.ReadFile(expectedPath)
	if err != nil {
		reject := k.moveToReject(u, got)
		return false, fmt.Sprintf("no expected result at %s, output saved to %s", expectedPath, reject)
	}
	if !bytes.Equal(got, want) {
		reject := k.moveToReject(u, got)
		return false, fmt.Sprintf("output does not match %s, diff it against %s", expectedPath, reject)
	}
	return true, ""
}

func (k *approvalKind) moveToReject(u *TestUnit, got []byte) string {
	reject := filepath.Join(k.s.Path, baseShort(u.Shortname)+".reject")
	if err := os.WriteFile(reject, got, 0o644); err != nil {
		return k.tmpOutput(u)
	}
	return reject
}
