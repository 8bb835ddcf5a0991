package vega

import (
	"sort"
	"sync"
)

// RegistryEntry links an agent id to its live process.
type RegistryEntry struct {
	AgentID  string
	TaskID   string
	ParentID string
	Process  *AgentProcess
}

// Registry is the name service for live agent processes.
// Lookups never take a lock; registration is atomic per key.
type Registry struct {
	entries sync.Map // agent id -> RegistryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an entry. It fails if the id is already live.
func (r *Registry) Register(e RegistryEntry) error {
	if e.AgentID == "" {
		return ErrInvalidInput
	}
	if _, loaded := r.entries.LoadOrStore(e.AgentID, e); loaded {
		return &AgentError{AgentID: e.AgentID, TaskID: e.TaskID, Err: ErrAlreadyRegistered}
	}
	return nil
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (RegistryEntry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return RegistryEntry{}, false
	}
	return v.(RegistryEntry), true
}

// Process returns the live process for id, or nil.
func (r *Registry) Process(id string) *AgentProcess {
	e, ok := r.Lookup(id)
	if !ok {
		return nil
	}
	return e.Process
}

// Unregister removes id only if it still maps to p. A stale unregister
// from a previous incarnation never removes a newer registration.
func (r *Registry) Unregister(id string, p *AgentProcess) {
	v, ok := r.entries.Load(id)
	if !ok {
		return
	}
	if p != nil && v.(RegistryEntry).Process != p {
		return
	}
	r.entries.CompareAndDelete(id, v)
}

// ByTask returns the live entries of a task, ordered by agent id.
func (r *Registry) ByTask(taskID string) []RegistryEntry {
	var out []RegistryEntry
	r.entries.Range(func(_, v any) bool {
		e := v.(RegistryEntry)
		if e.TaskID == taskID {
			out = append(out, e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
