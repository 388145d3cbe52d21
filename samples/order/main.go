package main

import (
	"context"
	"log"
	"time"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/memory"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/diag"
	"github.com/procflow/procflow/engine"
	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/worker"
)

func main() {
	ctx := context.Background()

	tp, err := diag.NewStdoutTracerProvider("procflow-order-sample")
	if err != nil {
		panic(err)
	}
	defer diag.Shutdown(tp)

	repo := memory.NewMemoryRepository(backend.WithTracerProvider(tp))
	defer repo.Close()

	reg := registry.New()
	mustRegister(reg.RegisterDelegateFunc("validateOrder", func(ctx context.Context, ec *core.ExecutionContext) error {
		log.Println("validating order", ec.InstanceID())
		ec.SetVariable("valid", true)
		return nil
	}))
	mustRegister(reg.RegisterDelegateFunc("shipOrder", func(ctx context.Context, ec *core.ExecutionContext) error {
		log.Println("shipping order", ec.InstanceID())
		return nil
	}))
	mustRegister(reg.RegisterDelegateFunc("cancelOrder", func(ctx context.Context, ec *core.ExecutionContext) error {
		log.Println("cancelling unapproved order", ec.InstanceID())
		return nil
	}))

	listener := events.ListenerFunc(func(ctx context.Context, batch []*core.Event) {
		for _, e := range batch {
			log.Println("event:", e.Type, e.InstanceID)
		}
	})

	e := engine.New(repo, reg, engine.WithListeners(listener))

	if _, err := e.Deploy(ctx, orderDefinition()); err != nil {
		panic(err)
	}

	w := worker.New(repo, e, worker.ApplyOptions(
		worker.WithPollingInterval(100*time.Millisecond),
	))
	if err := w.Start(ctx); err != nil {
		panic(err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			log.Println("stopping worker:", err)
		}
	}()

	instance, err := e.Start(ctx, "order", engine.StartProcessOptions{
		BusinessKey: "order-4711",
		Variables:   map[string]any{"customer": "ACME"},
	})
	if err != nil {
		panic(err)
	}

	// The instance is suspended on the approval wait state.
	tasks, err := e.ExternalTasks(ctx, instance.ID)
	if err != nil {
		panic(err)
	}

	for _, task := range tasks {
		log.Println("approving", task.NodeID, "for", instance.BusinessKey)

		if _, err := e.CompleteExternalTask(ctx, task.ID, map[string]any{"approved": true}); err != nil {
			panic(err)
		}
	}

	if err := e.WaitForInstance(ctx, instance.ID, 10*time.Second); err != nil {
		panic(err)
	}

	final, err := e.Instance(ctx, instance.ID)
	if err != nil {
		panic(err)
	}

	log.Println("order completed:", final.ID, "variables:", final.Variables)

	e.WaitForDispatchedEvents()
}

func orderDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		Key:  "order",
		Name: "Order fulfillment",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "validate"}},
			},
			"validate": {
				ID:       "validate",
				Kind:     core.NodeKindServiceTask,
				Name:     "Validate order",
				Delegate: "${validateOrder}",
				Outgoing: []core.SequenceFlow{{ID: "f2", Target: "approve"}},
			},
			"approve": {
				ID:               "approve",
				Kind:             core.NodeKindManualTask,
				Name:             "Approve order",
				Extensions:       map[string]string{"assignee": "sales", "topic": "order-approval"},
				BoundaryEventIDs: []string{"approvalTimeout"},
				Outgoing:         []core.SequenceFlow{{ID: "f3", Target: "ship"}},
			},
			"approvalTimeout": {
				ID:            "approvalTimeout",
				Kind:          core.NodeKindBoundaryTimer,
				Name:          "Approval timeout",
				TimerDuration: 24 * time.Hour,
				Outgoing:      []core.SequenceFlow{{ID: "f4", Target: "cancel"}},
			},
			"ship": {
				ID:       "ship",
				Kind:     core.NodeKindServiceTask,
				Name:     "Ship order",
				Delegate: "${shipOrder}",
				Outgoing: []core.SequenceFlow{{ID: "f5", Target: "end"}},
			},
			"cancel": {
				ID:       "cancel",
				Kind:     core.NodeKindServiceTask,
				Name:     "Cancel order",
				Delegate: "${cancelOrder}",
				Outgoing: []core.SequenceFlow{{ID: "f6", Target: "end"}},
			},
			"end": {
				ID:   "end",
				Kind: core.NodeKindEndEvent,
			},
		},
		StartNodeID: "start",
	}
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
