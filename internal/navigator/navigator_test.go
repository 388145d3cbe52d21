package navigator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/registry"
)

func testDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		ID:  "def-1",
		Key: "routing",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "a"}},
			},
			"a": {
				ID:       "a",
				Kind:     core.NodeKindServiceTask,
				Outgoing: []core.SequenceFlow{{ID: "f2", Target: "b"}},
			},
			"b": {
				ID:           "b",
				Kind:         core.NodeKindServiceTask,
				CommitBefore: true,
				Outgoing:     []core.SequenceFlow{{ID: "f3", Target: "end"}},
			},
			"end": {
				ID:   "end",
				Kind: core.NodeKindEndEvent,
			},
		},
		StartNodeID: "start",
	}
}

func TestNavigator_TerminalNodeYieldsNilContinuation(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()

	cont, err := nav.NextContinuation(def.Nodes["end"], def, nil, false)
	require.NoError(t, err)
	require.Nil(t, cont)
}

func TestNavigator_LinearFlowIsSynchronous(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()

	cont, err := nav.NextContinuation(def.Nodes["start"], def, nil, false)
	require.NoError(t, err)
	require.Len(t, cont.Nodes, 1)
	require.Equal(t, "a", cont.Nodes[0].ID)
	require.False(t, cont.Asynchronous)
}

func TestNavigator_CommitBeforeOnSuccessorForcesAsync(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()

	cont, err := nav.NextContinuation(def.Nodes["a"], def, nil, false)
	require.NoError(t, err)
	require.Equal(t, "b", cont.Nodes[0].ID)
	require.True(t, cont.Asynchronous)
}

func TestNavigator_CommitAfterOnCompletedForcesAsync(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()

	// The successor itself carries no commit flags; forcedAsync alone
	// decides.
	cont, err := nav.NextContinuation(def.Nodes["start"], def, nil, true)
	require.NoError(t, err)
	require.Equal(t, "a", cont.Nodes[0].ID)
	require.True(t, cont.Asynchronous)
}

func TestNavigator_IsDeterministic(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()

	first, err := nav.NextContinuation(def.Nodes["a"], def, map[string]any{"x": 1}, false)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := nav.NextContinuation(def.Nodes["a"], def, map[string]any{"x": 1}, false)
		require.NoError(t, err)
		require.Equal(t, first.Nodes[0].ID, again.Nodes[0].ID)
		require.Equal(t, first.Asynchronous, again.Asynchronous)
	}
}

func gatewayDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		ID:  "def-2",
		Key: "gateway",
		Nodes: map[string]*core.FlowNode{
			"decide": {
				ID:   "decide",
				Kind: core.NodeKindExclusiveGateway,
				Outgoing: []core.SequenceFlow{
					{ID: "f1", Condition: "isLarge", Target: "large"},
					{ID: "f2", Condition: "isMedium", Target: "medium"},
					{ID: "f3", Default: true, Target: "small"},
				},
			},
			"large":  {ID: "large", Kind: core.NodeKindEndEvent},
			"medium": {ID: "medium", Kind: core.NodeKindEndEvent},
			"small":  {ID: "small", Kind: core.NodeKindEndEvent},
		},
		StartNodeID: "decide",
	}
}

func gatewayRules(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.RegisterRule("isLarge", func(variables map[string]any) bool {
		return variables["size"] == "large"
	}))
	require.NoError(t, reg.RegisterRule("isMedium", func(variables map[string]any) bool {
		return variables["size"] == "medium" || variables["size"] == "large"
	}))

	return reg
}

func TestNavigator_GatewayFirstMatchingConditionWins(t *testing.T) {
	nav := New(gatewayRules(t))
	def := gatewayDefinition()

	// Both rules match for "large"; declaration order decides.
	cont, err := nav.NextContinuation(def.Nodes["decide"], def, map[string]any{"size": "large"}, false)
	require.NoError(t, err)
	require.Equal(t, "large", cont.Nodes[0].ID)

	cont, err = nav.NextContinuation(def.Nodes["decide"], def, map[string]any{"size": "medium"}, false)
	require.NoError(t, err)
	require.Equal(t, "medium", cont.Nodes[0].ID)
}

func TestNavigator_GatewayFallsBackToDefaultFlow(t *testing.T) {
	nav := New(gatewayRules(t))
	def := gatewayDefinition()

	cont, err := nav.NextContinuation(def.Nodes["decide"], def, map[string]any{"size": "tiny"}, false)
	require.NoError(t, err)
	require.Equal(t, "small", cont.Nodes[0].ID)
}

func TestNavigator_GatewayUnconditionalFlowAlwaysMatches(t *testing.T) {
	nav := New(registry.New())
	def := gatewayDefinition()
	def.Nodes["decide"].Outgoing = []core.SequenceFlow{
		{ID: "f1", Target: "large"},
		{ID: "f2", Condition: "isMedium", Target: "medium"},
	}

	cont, err := nav.NextContinuation(def.Nodes["decide"], def, nil, false)
	require.NoError(t, err)
	require.Equal(t, "large", cont.Nodes[0].ID)
}

func TestNavigator_GatewayUnresolvedRuleIsDefinitionError(t *testing.T) {
	nav := New(registry.New())
	def := gatewayDefinition()

	_, err := nav.NextContinuation(def.Nodes["decide"], def, map[string]any{"size": "large"}, false)
	require.Error(t, err)

	var badDef *core.BadDefinitionError
	require.ErrorAs(t, err, &badDef)
	require.Equal(t, "decide", badDef.NodeID)
}

func TestNavigator_GatewayNoMatchWithoutDefaultIsDefinitionError(t *testing.T) {
	nav := New(gatewayRules(t))
	def := gatewayDefinition()
	def.Nodes["decide"].Outgoing = def.Nodes["decide"].Outgoing[:2]

	_, err := nav.NextContinuation(def.Nodes["decide"], def, map[string]any{"size": "tiny"}, false)
	require.Error(t, err)

	var badDef *core.BadDefinitionError
	require.ErrorAs(t, err, &badDef)
}

func TestNavigator_UnknownKindErrors(t *testing.T) {
	nav := New(registry.New())
	def := testDefinition()
	def.Nodes["a"].Kind = "magic-task"

	_, err := nav.NextContinuation(def.Nodes["a"], def, nil, false)
	require.Error(t, err)
}
