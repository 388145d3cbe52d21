package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/core"
)

func TestRegistry_RegisterAndResolveDelegate(t *testing.T) {
	r := New()

	err := r.RegisterDelegateFunc("doWork", func(ctx context.Context, ec *core.ExecutionContext) error {
		return nil
	})
	require.NoError(t, err)

	d, ok := r.ResolveDelegate("doWork")
	require.True(t, ok)
	require.NotNil(t, d)

	_, ok = r.ResolveDelegate("unknown")
	require.False(t, ok)
}

func TestRegistry_RegisterDelegate_Duplicate(t *testing.T) {
	r := New()

	noop := core.DelegateFunc(func(ctx context.Context, ec *core.ExecutionContext) error { return nil })

	require.NoError(t, r.RegisterDelegate("doWork", noop))

	err := r.RegisterDelegate("doWork", noop)
	require.Error(t, err)

	var dup *ErrDelegateAlreadyRegistered
	require.ErrorAs(t, err, &dup)
}

func TestRegistry_RegisterDelegate_Invalid(t *testing.T) {
	r := New()

	noop := core.DelegateFunc(func(ctx context.Context, ec *core.ExecutionContext) error { return nil })

	var invalid *ErrInvalidRegistration
	require.ErrorAs(t, r.RegisterDelegate("", noop), &invalid)
	require.ErrorAs(t, r.RegisterDelegate("doWork", nil), &invalid)
}

func TestRegistry_RegisterAndResolveRule(t *testing.T) {
	r := New()

	err := r.RegisterRule("isLargeOrder", func(variables map[string]any) bool {
		return variables["amount"] == "large"
	})
	require.NoError(t, err)

	rule, ok := r.ResolveRule("isLargeOrder")
	require.True(t, ok)
	require.True(t, rule(map[string]any{"amount": "large"}))
	require.False(t, rule(map[string]any{"amount": "small"}))

	_, ok = r.ResolveRule("unknown")
	require.False(t, ok)
}

func TestRegistry_RegisterRule_Duplicate(t *testing.T) {
	r := New()

	rule := core.DecisionRule(func(variables map[string]any) bool { return true })

	require.NoError(t, r.RegisterRule("r", rule))

	err := r.RegisterRule("r", rule)
	require.Error(t, err)

	var dup *ErrRuleAlreadyRegistered
	require.ErrorAs(t, err, &dup)
}
