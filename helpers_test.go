package vega

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestOrchestrator returns an orchestrator whose agents only act when
// messaged, plus its scripted engine.
func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) (*Orchestrator, *ScriptedEngine) {
	t.Helper()
	engine := NewScriptedEngine()
	base := []OrchestratorOption{
		WithConsensus(engine),
		WithLogger(quietLogger()),
		WithDefaultModels("model-a", "model-b"),
		WithSkipAutoTurn(true),
		WithShutdownGrace(2 * time.Second),
		WithAdjustTimeout(2 * time.Second),
	}
	o := NewOrchestrator(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, engine
}

// newTestRuntime returns the services an agent needs, without an
// orchestrator on top.
func newTestRuntime(store Store, engine ConsensusEngine) *runtime {
	return &runtime{
		registry:      NewRegistry(),
		bus:           NewEventBus(),
		store:         store,
		engine:        engine,
		logger:        quietLogger(),
		profiles:      BuiltinProfiles(),
		turnTimeout:   time.Second,
		adjustTimeout: time.Second,
		storeTimeout:  time.Second,
		skipAutoTurn:  true,
	}
}

func ledger(p *AgentProcess) BudgetData {
	return p.GetState().Memory.Budget
}
