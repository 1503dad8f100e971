package suite

import (
	"context"
	"os"
	"path/filepath"
)

// execKind wraps a single executable script named "run" in the suite
// directory. The script drives its own server processes, so cancellation is
// delivered gently to give it a chance to tear them down.
type execKind struct {
	s *Suite
}

func (k *execKind) Name() string { return "exec" }

func (k *execKind) List() ([]string, error) {
	if _, err := os.Stat(filepath.Join(k.s.Path, "run")); err != nil {
		return nil, nil
	}
	return []string{"run"}, nil
}

func (k *execKind) AddTest(ctx context.Context, name string) error {
	k.s.newUnit(name, nil)
	return nil
}

func (k *execKind) BuildInvocation(u *TestUnit) (*Invocation, error) {
	return &Invocation{
		Path: filepath.Join(k.s.Path, u.Shortname),
		Args: u.Args,
		Env: map[string]string{
			"SERVER_BIN": k.s.ServerExe(),
		},
		Gentle: true,
	}, nil
}

func (k *execKind) OwnReport() bool { return false }

func (k *execKind) AfterRun(u *TestUnit, execOK bool) (bool, string) {
	return execOK, ""
}
