package vega

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// RestoreResult describes a completed restoration.
type RestoreResult struct {
	Root *AgentProcess

	// Restored lists every agent running after the restore, sorted.
	Restored []string

	// Failed maps agents that could not be spawned to the cause.
	Failed map[string]error

	// Orphaned lists agents terminated because an ancestor was missing.
	Orphaned []string
}

// TaskRestorer rebuilds a task's agent tree from persisted records.
//
// The root is spawned first; if it fails the restore is aborted. The
// remaining agents are spawned concurrently and linked to their parents
// through a SpawnTree, so a child spawned before its parent is attached
// as soon as the parent appears. Agents left without a live ancestor are
// terminated as orphaned and their escrow returned.
type TaskRestorer struct {
	store        Store
	logger       *slog.Logger
	concurrency  int
	skipAutoTurn bool
}

// NewTaskRestorer creates a restorer reading from store.
func NewTaskRestorer(store Store, logger *slog.Logger) *TaskRestorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRestorer{store: store, logger: logger, concurrency: 8}
}

type restoreCandidate struct {
	record *AgentRecord
	cfg    AgentConfig
}

// Restore spawns the restorable agents of task under sup.
func (r *TaskRestorer) Restore(ctx context.Context, task *Task, sup *TaskSupervisor) (*RestoreResult, error) {
	records, err := r.store.ListAgents(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load agents of task %s: %w", task.ID, err)
	}

	result := &RestoreResult{Failed: make(map[string]error)}
	var (
		root        *restoreCandidate
		descendants []*restoreCandidate
	)
	for _, rec := range records {
		if rec.ExitReason != "" && !rec.ExitReason.Restorable() {
			continue
		}
		cfg, mem, err := rec.Decode()
		if err != nil {
			if rec.AgentID == task.RootAgentID {
				return nil, fmt.Errorf("restore root %s: %w", rec.AgentID, err)
			}
			result.Failed[rec.AgentID] = err
			continue
		}
		cfg.Memory = &mem
		cfg.Restored = true
		cfg.SkipAutoTurn = r.skipAutoTurn
		c := &restoreCandidate{record: rec, cfg: cfg}
		if rec.AgentID == task.RootAgentID {
			root = c
		} else {
			descendants = append(descendants, c)
		}
	}
	if root == nil {
		if len(descendants) == 0 {
			return nil, fmt.Errorf("task %s: %w", task.ID, ErrNoPersistedAgents)
		}
		return nil, fmt.Errorf("task %s: root %s: %w", task.ID, task.RootAgentID, ErrNoPersistedAgents)
	}

	rootProc, err := sup.Spawn(root.cfg)
	if err != nil {
		return nil, fmt.Errorf("restore root %s: %w", root.cfg.AgentID, err)
	}
	result.Root = rootProc

	tree := NewSpawnTree()
	tree.Add(rootProc.ID, "")
	var (
		mu      sync.Mutex
		spawned = map[string]*AgentProcess{rootProc.ID: rootProc}
	)

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, c := range descendants {
		g.Go(func() error {
			p, err := sup.Spawn(c.cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[c.cfg.AgentID] = err
				return nil
			}
			spawned[p.ID] = p
			for _, link := range tree.Add(p.ID, p.ParentID) {
				parent, child := spawned[link.ParentID], spawned[link.ChildID]
				if parent == nil || child == nil {
					continue
				}
				parent.ChildSpawned(ChildNotice{
					ChildID:   child.ID,
					Allocated: child.cfg.Memory.Budget.Allocated,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	for id, cause := range result.Failed {
		r.logger.Warn("agent not restored", "task", task.ID, "agent", id, "error", cause)
		r.releaseFailed(ctx, id, spawned)
	}

	for _, orphan := range tree.Orphans() {
		for _, id := range append(tree.Descendants(orphan), orphan) {
			p := spawned[id]
			if p == nil {
				continue
			}
			if err := p.Stop(ctx, ExitOrphaned); err != nil {
				r.logger.Warn("orphan stop failed", "agent", id, "error", err)
			}
			delete(spawned, id)
			result.Orphaned = append(result.Orphaned, id)
		}
	}

	r.reconcileChildren(ctx, task.ID, spawned, result.Failed)

	for id := range spawned {
		result.Restored = append(result.Restored, id)
	}
	slices.Sort(result.Restored)
	slices.Sort(result.Orphaned)
	r.logger.Info("task restored",
		"task", task.ID,
		"restored", len(result.Restored),
		"failed", len(result.Failed),
		"orphaned", len(result.Orphaned))
	return result, nil
}

// releaseFailed marks a record that could not be spawned as orphaned and
// returns its escrow to a live parent.
func (r *TaskRestorer) releaseFailed(ctx context.Context, id string, spawned map[string]*AgentProcess) {
	rec, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return
	}
	rec.Status, rec.ExitReason = AgentTerminated, ExitOrphaned
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		r.logger.Warn("mark orphaned failed", "agent", id, "error", err)
	}
	parent := spawned[rec.ParentID]
	if parent == nil {
		return
	}
	notice := ChildNotice{ChildID: id}
	if _, mem, err := rec.Decode(); err == nil {
		notice.Allocated, notice.Spent = mem.Budget.Allocated, mem.Budget.Spent
	}
	parent.ChildTerminated(notice, ExitOrphaned)
}

// reconcileChildren releases escrow a restored parent still holds for a
// child that is not running: its record is gone, it is not restorable,
// or it exited before the parent was linked. Repeated notices for the
// same child are ignored by the parent.
func (r *TaskRestorer) reconcileChildren(ctx context.Context, taskID string, spawned map[string]*AgentProcess, failed map[string]error) {
	var (
		costs      []*CostRecord
		costsReady bool
	)
	spentBy := func(agentID string) decimal.Decimal {
		if !costsReady {
			costsReady = true
			var err error
			if costs, err = r.store.ListCosts(ctx, taskID); err != nil {
				r.logger.Warn("load costs failed", "task", taskID, "error", err)
			}
		}
		total := decimal.Zero
		for _, c := range costs {
			if c.AgentID == agentID && c.Metadata["rejected"] != true {
				total = total.Add(c.CostUSD)
			}
		}
		return total
	}

	for _, parent := range spawned {
		for _, childID := range parent.GetState().Children() {
			if _, ok := failed[childID]; ok {
				continue
			}
			notice := ChildNotice{ChildID: childID}
			var reason ExitReason

			if child := spawned[childID]; child != nil {
				if child.Alive() {
					continue
				}
				reason = child.ExitReason()
				b := child.GetState().Memory.Budget
				notice.Allocated, notice.Spent = b.Allocated, b.Spent
			} else {
				rec, err := r.store.GetAgent(ctx, childID)
				switch {
				case errors.Is(err, ErrAgentNotFound):
					reason = ExitDeleted
					notice.Spent = spentBy(childID)
				case err != nil:
					r.logger.Warn("child record unreadable", "agent", childID, "error", err)
					continue
				default:
					reason = rec.ExitReason
					if reason == "" || reason.Restorable() {
						continue
					}
					if _, mem, err := rec.Decode(); err == nil {
						notice.Allocated, notice.Spent = mem.Budget.Allocated, mem.Budget.Spent
					}
				}
			}
			if reason.Restorable() {
				continue
			}
			r.logger.Info("releasing escrow of absent child", "parent", parent.ID, "child", childID, "reason", reason)
			parent.ChildTerminated(notice, reason)
		}
	}
}
