package llm

import (
	"sync"
	"time"
)

// ExecutorRegistry tracks the live TurnExecutor of each streaming turn so SSE
// handlers can attach to in-flight turns by ID.
//
// Finished executors stay registered for a grace period so late stream
// requests still get the terminal event instead of a 404.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]*TurnExecutor // turnID -> executor
	bySession map[string]string        // sessionID -> active turnID
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[string]*TurnExecutor),
		bySession: make(map[string]string),
	}
}

// Register adds an executor for a starting turn.
func (r *ExecutorRegistry) Register(executor *TurnExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.TurnID()] = executor
	r.bySession[executor.SessionID()] = executor.TurnID()
}

// Get returns the executor for a turn, or nil if not found.
func (r *ExecutorRegistry) Get(turnID string) *TurnExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[turnID]
}

// ActiveForSession returns the session's streaming executor, or nil if the
// session has no turn in flight.
func (r *ExecutorRegistry) ActiveForSession(sessionID string) *TurnExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	turnID, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	executor := r.executors[turnID]
	if executor == nil || executor.Status() != StatusStreaming {
		return nil
	}
	return executor
}

// Release schedules removal of a finished turn's executor after the grace
// period.
func (r *ExecutorRegistry) Release(turnID string, after time.Duration) {
	time.AfterFunc(after, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		executor, ok := r.executors[turnID]
		if !ok {
			return
		}
		delete(r.executors, turnID)
		if r.bySession[executor.SessionID()] == turnID {
			delete(r.bySession, executor.SessionID())
		}
	})
}
