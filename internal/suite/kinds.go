package suite

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the behavior of one suite type: how its tests are discovered,
// how a unit is turned into a process invocation and how the outcome of a
// finished attempt is judged. The set of kinds is closed; suite.yaml picks
// one via its type key.
type Kind interface {
	Name() string

	// List returns the candidate test names of the suite directory, before
	// exclusions and filters are applied.
	List() ([]string, error)

	// AddTest creates the unit(s) for one listed name. A single name may
	// expand to several units (argument variants, per-case splits).
	AddTest(ctx context.Context, name string) error

	// BuildInvocation resolves a unit into the process to launch for one
	// attempt.
	BuildInvocation(u *TestUnit) (*Invocation, error)

	// OwnReport reports whether the test binary produces its own result
	// file, so the run report should only count it, not describe it.
	OwnReport() bool

	// AfterRun judges a finished attempt. execOK tells whether the process
	// exited with an acceptable code; kinds may veto an otherwise clean exit
	// and return a diagnostic.
	AfterRun(u *TestUnit, execOK bool) (bool, string)
}

func newKind(typ string, s *Suite) (Kind, error) {
	switch typ {
	case "unit":
		return newUnitKind(s), nil
	case "cases":
		return newCasesKind(s), nil
	case "exec":
		return &execKind{s: s}, nil
	case "cluster":
		return newClusterKind(s), nil
	case "approval":
		return newApprovalKind(s), nil
	default:
		return nil, fmt.Errorf("suite type '%s' not found", typ)
	}
}

// baseShort strips the case suffix a per-case unit carries, leaving the
// name of the test executable.
func baseShort(shortname string) string {
	return strings.SplitN(shortname, ".", 2)[0]
}
