package artifacts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseScopeRunsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.Add("suite", Always, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, r.CloseScope(context.Background(), "suite", false))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCloseScopeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Add("suite", Always, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, r.CloseScope(context.Background(), "suite", false))
	require.NoError(t, r.CloseScope(context.Background(), "suite", false))
	assert.Equal(t, 1, calls)
}

func TestOnFailureTrigger(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Add("clean", OnFailure, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, r.CloseScope(context.Background(), "clean", false))
	assert.False(t, ran)

	r.Add("failed", OnFailure, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, r.CloseScope(context.Background(), "failed", true))
	assert.True(t, ran)
}

func TestAddAfterCloseRunsAtExit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CloseScope(context.Background(), "suite", false))

	ran := false
	r.Add("suite", Always, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)

	require.NoError(t, r.CloseAll(context.Background(), false))
	assert.True(t, ran)
}

func TestCloseAllClosesRemainingScopesThenGlobal(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.AddGlobal(Always, func(ctx context.Context) error {
		order = append(order, "global")
		return nil
	})
	r.Add("suite", Always, func(ctx context.Context) error {
		order = append(order, "suite")
		return nil
	})

	require.NoError(t, r.CloseAll(context.Background(), false))
	assert.Equal(t, []string{"suite", "global"}, order)
}

func TestFailingActionDoesNotStopOthers(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	ran := false
	r.Add("suite", Always, func(ctx context.Context) error { return boom })
	r.Add("suite", Always, func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := r.CloseScope(context.Background(), "suite", false)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
}
