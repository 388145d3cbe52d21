package navigator

import (
	"fmt"

	"github.com/procflow/procflow/core"
)

// RuleResolver resolves a named decision rule for gateway condition
// evaluation.
type RuleResolver interface {
	ResolveRule(name string) (core.DecisionRule, bool)
}

// Navigator decides, for a just-completed node, which node runs next and
// whether the handoff crosses an asynchronous suspension boundary. It is
// a pure decision function; it performs no side effects.
type Navigator struct {
	rules RuleResolver
}

func New(rules RuleResolver) *Navigator {
	return &Navigator{rules: rules}
}

// NextContinuation returns the continuation after completed, or nil when
// the node is terminal and the instance should complete.
//
// forcedAsync is set by the caller when the completed node carries
// commitAfter; the continuation is also asynchronous when the next node
// carries commitBefore. This is the sole suspension-boundary rule.
func (n *Navigator) NextContinuation(completed *core.FlowNode, def *core.ProcessDefinition, variables map[string]any, forcedAsync bool) (*core.Continuation, error) {
	if completed.Terminal() {
		return nil, nil
	}

	flow, err := n.selectFlow(completed, variables)
	if err != nil {
		return nil, err
	}

	next, err := def.Node(flow.Target)
	if err != nil {
		return nil, err
	}

	return &core.Continuation{
		Nodes:        []*core.FlowNode{next},
		Asynchronous: forcedAsync || next.CommitBefore,
	}, nil
}

// selectFlow picks the outgoing sequence flow to follow. Exclusive
// gateways evaluate flow conditions in declaration order: the first rule
// returning true wins, the designated default flow wins when none match,
// and a gateway with neither is a definition error. All other node kinds
// take their first outgoing flow.
func (n *Navigator) selectFlow(completed *core.FlowNode, variables map[string]any) (*core.SequenceFlow, error) {
	switch completed.Kind {
	case core.NodeKindExclusiveGateway:
		return n.selectGatewayFlow(completed, variables)

	case core.NodeKindStartEvent, core.NodeKindEndEvent, core.NodeKindServiceTask,
		core.NodeKindManualTask, core.NodeKindBoundaryTimer:
		return &completed.Outgoing[0], nil

	default:
		return nil, fmt.Errorf("navigating from node %q: unknown kind %q", completed.ID, completed.Kind)
	}
}

func (n *Navigator) selectGatewayFlow(gateway *core.FlowNode, variables map[string]any) (*core.SequenceFlow, error) {
	var defaultFlow *core.SequenceFlow

	for i := range gateway.Outgoing {
		flow := &gateway.Outgoing[i]

		if flow.Default {
			defaultFlow = flow
			continue
		}

		if flow.Condition == "" {
			// An unconditional non-default flow always matches.
			return flow, nil
		}

		rule, ok := n.rules.ResolveRule(flow.Condition)
		if !ok {
			return nil, &core.BadDefinitionError{
				NodeID: gateway.ID,
				Reason: fmt.Sprintf("no decision rule registered for condition %q", flow.Condition),
			}
		}

		if rule(variables) {
			return flow, nil
		}
	}

	if defaultFlow != nil {
		return defaultFlow, nil
	}

	return nil, &core.BadDefinitionError{
		NodeID: gateway.ID,
		Reason: "no outgoing flow condition matched and no default flow is declared",
	}
}
