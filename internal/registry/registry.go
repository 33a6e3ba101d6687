// Package registry implements the agent's tracked-mode process table: a
// map from host PID to ProcessRecord, replacing the original's fixed
// 64-entry array per the redesign note in spec §9. Mutations from the
// SIGCHLD reaper arrive through ordinary goroutine context (see
// internal/agent/reaper.go), so a plain mutex suffices — there is no
// async-signal-safety constraint to work around in Go.
package registry

import (
	"sync"
	"time"
)

// Record is one tracked child process.
type Record struct {
	HostPID   int32
	Name      string
	Active    bool
	StartedAt time.Time
}

// Registry is an in-memory table of spawned children keyed by host PID.
// A record's Active bit transitions monotonically true→false; once false
// it is left in place (matching the original's "dead weight until agent
// exit" slots) rather than deleted, so a stale StopProcess/ApplyConstraints
// against a just-reaped PID gets a clean "not found" instead of resurrecting
// a recycled PID's unrelated record.
type Registry struct {
	mu      sync.Mutex
	records map[int32]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[int32]*Record)}
}

// Add inserts a new active record for pid. If pid is already present (only
// possible if the kernel recycled a PID faster than we reaped the old
// record, which Deactivate prevents in practice), the existing record is
// overwritten.
func (r *Registry) Add(pid int32, name string, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[pid] = &Record{HostPID: pid, Name: name, Active: true, StartedAt: startedAt}
}

// Find returns the active record for pid, or nil if none exists. Matches
// find_process: absence of an active record is the caller's cue to treat
// the request as a not-found error.
func (r *Registry) Find(pid int32) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pid]
	if !ok || !rec.Active {
		return nil
	}
	cp := *rec
	return &cp
}

// Deactivate flips pid's record to inactive, if present. Called by the
// SIGCHLD reaper when a tracked child is reaped, and by ListProcesses when
// a waitpid check discovers a child has just exited.
func (r *Registry) Deactivate(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[pid]; ok {
		rec.Active = false
	}
}

// ActiveSnapshot returns a copy of every currently-active record, in no
// particular order. Used by ListProcesses to enumerate candidates before
// the per-entry waitpid liveness check.
func (r *Registry) ActiveSnapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Active {
			out = append(out, *rec)
		}
	}
	return out
}
