package vega

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TaskSupervisor physically owns every agent process of one task. Parents
// track their children logically; the supervisor starts them, contains
// their crashes and tears the tree down in order.
type TaskSupervisor struct {
	// TaskID is the task this supervisor serves
	TaskID string

	rt     *runtime
	onExit func(p *AgentProcess, reason ExitReason)

	mu       sync.Mutex
	live     map[string]*AgentProcess
	stopping bool
	wg       sync.WaitGroup
}

func newTaskSupervisor(taskID string, rt *runtime, onExit func(*AgentProcess, ExitReason)) *TaskSupervisor {
	return &TaskSupervisor{
		TaskID: taskID,
		rt:     rt,
		onExit: onExit,
		live:   make(map[string]*AgentProcess),
	}
}

// Spawn registers and starts an agent process. It fails if the agent id
// is already live or the supervisor is shutting down.
func (s *TaskSupervisor) Spawn(cfg AgentConfig) (*AgentProcess, error) {
	if cfg.AgentID == "" || cfg.TaskID != s.TaskID {
		return nil, fmt.Errorf("%w: agent %q for task %q", ErrInvalidInput, cfg.AgentID, cfg.TaskID)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, &AgentError{AgentID: cfg.AgentID, TaskID: s.TaskID, Err: ErrTaskNotRunning}
	}
	p := newAgentProcess(cfg, s)
	if err := s.rt.registry.Register(RegistryEntry{
		AgentID:  p.ID,
		TaskID:   p.TaskID,
		ParentID: p.ParentID,
		Process:  p,
	}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.live[p.ID] = p
	s.wg.Add(1)
	s.mu.Unlock()

	s.rt.metrics.AgentSpawned()
	go s.supervise(p)
	return p, nil
}

func (s *TaskSupervisor) supervise(p *AgentProcess) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.rt.logger.Error("agent crashed",
				"agent", p.ID,
				"task", s.TaskID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			s.crash(p)
		}
	}()
	p.run()
}

func (s *TaskSupervisor) crash(p *AgentProcess) {
	if p.finishing.Load() {
		// The exit path itself failed.
		s.rt.registry.Unregister(p.ID, p)
		s.forget(p)
		p.closeDone()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.rt.logger.Error("crash cleanup failed", "agent", p.ID, "panic", fmt.Sprint(r))
			s.rt.registry.Unregister(p.ID, p)
			s.forget(p)
		}
		p.closeDone()
	}()
	p.finish(ExitCrash)
}

func (s *TaskSupervisor) exited(p *AgentProcess, reason ExitReason) {
	s.forget(p)
	if s.onExit != nil {
		s.onExit(p, reason)
	}
}

func (s *TaskSupervisor) forget(p *AgentProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[p.ID] == p {
		delete(s.live, p.ID)
	}
}

// Get returns a live process.
func (s *TaskSupervisor) Get(id string) *AgentProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// Live returns the live processes ordered by id.
func (s *TaskSupervisor) Live() []*AgentProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.live))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live processes.
func (s *TaskSupervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stopping reports whether Shutdown has been called.
func (s *TaskSupervisor) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Shutdown terminates every live agent with reason, deepest level first,
// and waits for all of them to exit. Agents still running when ctx
// expires are killed. The returned error joins the persistence errors of
// graceful exits.
func (s *TaskSupervisor) Shutdown(ctx context.Context, reason ExitReason) error {
	s.mu.Lock()
	s.stopping = true
	procs := slices.Collect(maps.Values(s.live))
	s.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, level := range levelsDeepestFirst(procs) {
		if ctx.Err() != nil {
			break
		}
		var g errgroup.Group
		for _, p := range level {
			g.Go(func() error {
				err := p.Stop(ctx, reason)
				if err != nil && !errors.Is(err, ctx.Err()) {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if ctx.Err() != nil {
		survivors := s.Live()
		if len(survivors) > 0 {
			s.rt.logger.Warn("shutdown grace expired, killing agents", "task", s.TaskID, "agents", len(survivors))
		}
		for _, p := range survivors {
			p.Kill()
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// levelsDeepestFirst groups processes by depth within the set, deepest
// level first. A process whose parent is not in the set counts as a root.
func levelsDeepestFirst(procs []*AgentProcess) [][]*AgentProcess {
	byID := make(map[string]*AgentProcess, len(procs))
	for _, p := range procs {
		byID[p.ID] = p
	}
	depth := make(map[string]int, len(procs))
	var depthOf func(p *AgentProcess, seen int) int
	depthOf = func(p *AgentProcess, seen int) int {
		if d, ok := depth[p.ID]; ok {
			return d
		}
		d := 0
		if parent, ok := byID[p.ParentID]; ok && seen < len(procs) {
			d = depthOf(parent, seen+1) + 1
		}
		depth[p.ID] = d
		return d
	}
	maxDepth := 0
	for _, p := range procs {
		maxDepth = max(maxDepth, depthOf(p, 0))
	}
	levels := make([][]*AgentProcess, maxDepth+1)
	for _, p := range procs {
		d := depth[p.ID]
		levels[maxDepth-d] = append(levels[maxDepth-d], p)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool { return level[i].ID < level[j].ID })
	}
	return levels
}
