// Package vega orchestrates trees of agents that share a hierarchical budget.
//
// A task owns one agent tree. Its root agent may spawn children, each
// funded from an escrow carved out of its parent's allocation, and those
// children may spawn children of their own. The package provides:
//
//   - AgentProcess: one goroutine per agent, owning its conversation,
//     lessons, todos and budget ledger
//   - TaskSupervisor: per-task ownership, crash containment and ordered
//     shutdown
//   - BudgetData: the escrow ledger (allocated, committed, spent)
//   - TaskRestorer: rebuilds a paused tree from persisted records
//   - EventBus and HistoryBuffer: scoped topics with a replayable backlog
//   - Observer: follows a task and reconstructs its tree from events
//
// # Quick Start
//
//	orch := vega.NewOrchestrator(
//	    vega.WithStore(store),
//	    vega.WithConsensus(engine),
//	)
//
//	limit := decimal.NewFromInt(100)
//	task, root, err := orch.CreateTask(ctx, vega.CreateTaskRequest{
//	    Prompt:      "Summarize the quarterly reports",
//	    BudgetLimit: &limit,
//	})
//
// # Budgets
//
// A parent escrows part of its allocation for each child. The ledger
// invariant committed+spent <= allocated holds for every constrained
// agent. Adjusting a child's allocation changes both ledgers or neither:
//
//	err := orch.AdjustChildBudget(ctx, root.ID, childID, decimal.NewFromInt(60))
//	if vega.IsBudget(err) {
//	    // both ledgers are unchanged
//	}
//
// # Pause and Resume
//
// PauseTask terminates every agent after persisting its state and marks
// the task paused once all have exited. ResumeTask spawns fresh processes
// seeded with that state:
//
//	if err := orch.PauseTask(ctx, task.ID); err != nil {
//	    return err
//	}
//	root, err = orch.ResumeTask(ctx, task.ID)
//
// # Events
//
// There is no catch-all topic. Observers subscribe to a task's lifecycle
// topic and then to each agent's topics as agents appear:
//
//	obs := vega.NewObserver(task.ID, orch, vega.WithDeleter(orch))
//	if err := obs.Start(); err != nil {
//	    return err
//	}
//	defer obs.Close()
package vega
