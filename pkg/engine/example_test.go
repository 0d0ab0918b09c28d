package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
	"github.com/openfroyo/flowkeeper/pkg/gateway/memory"
	"github.com/openfroyo/flowkeeper/pkg/stores"
)

// Example_workflow demonstrates how the engine components are wired together
// and how a tampered device is repaired by a sweep.
func Example_workflow() {
	ctx := context.Background()
	logger := zerolog.Nop()

	// 1. Intent store
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// 2. A simulated switch
	fabric := memory.NewFabric(0)
	fabric.Connect("s1")

	// 3. Engine components
	executor := engine.NewExecutor(fabric, engine.DefaultRetryPolicy(), 4, logger)
	reconciler := engine.NewReconciler(store, fabric, nil, executor, logger)
	sweep := engine.NewSweep(reconciler, store, fabric, engine.SweepConfig{}, logger)
	manager := engine.NewFlowManager(store, store, fabric, reconciler, 4, logger)

	// 4. Provision reserved flows as on connect
	sweep.Trigger(ctx, "s1", engine.ReasonConnect, engine.ProvisionForce)

	// 5. Install intent
	flow := flows.Flow{
		Priority:    10,
		IdleTimeout: 360,
		HardTimeout: 1200,
		Match:       flows.Match{"in_port": 1},
		Actions:     []flows.Action{{Type: flows.ActionOutput, Port: 2}},
	}
	result, err := manager.Install(ctx, "s1", []flows.Flow{flow})
	if err != nil {
		log.Fatal(err)
	}
	rec, _ := store.GetFlow(ctx, result.Records["s1"][0])
	fmt.Println("state:", rec.State)
	fmt.Println("table 0 entries:", len(fabric.Table("s1", 0)))

	// 6. Someone deletes the flow out of band; the sweep restores it
	fabric.RemoveFlow("s1", flow)
	summary := sweep.SweepAll(ctx, engine.ReasonManual)
	fmt.Println("restored:", summary.Totals().Added)

	// Output:
	// state: installed
	// table 0 entries: 2
	// restored: 1
}
