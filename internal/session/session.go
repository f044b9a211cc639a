// Package session tracks per-rank client connection state: each local
// task moves through Unconnected -> Ack -> Operate, dipping into Coll
// while it has an outstanding collective contribution.
package session

import (
	"sync"

	"github.com/pmixstepd/coll/internal/errs"
	"github.com/pmixstepd/coll/internal/ioengine"
)

// State is the client connection state, mirroring the original
// PMIX_CLI_* enum.
type State int

const (
	StateUnconnected State = iota // fd accepted, no handshake yet
	StateAck                      // handshake acknowledged, not yet operating
	StateOperate                  // steady state, accepting PMIx calls
	StateColl                     // inside a collective, contribution outstanding
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateAck:
		return "ACK"
	case StateOperate:
		return "OPERATE"
	case StateColl:
		return "COLL"
	default:
		return "UNKNOWN"
	}
}

// Session holds the connection state for one local task.
type Session struct {
	mu     sync.Mutex
	taskID int
	fd     int
	state  State
	eng    *ioengine.Engine
}

// Table holds one Session per local task, indexed by task id.
type Table struct {
	sessions []*Session
}

// NewTable creates a Table sized for nTasks local tasks.
func NewTable(nTasks int) *Table {
	t := &Table{sessions: make([]*Session, nTasks)}
	for i := range t.sessions {
		t.sessions[i] = &Session{taskID: i, fd: -1, state: StateUnconnected}
	}
	return t
}

// Get returns the Session for taskID. Panics if taskID is out of range,
// matching the sanity-check convention of the state this package is
// modeled on: an out-of-range task id is a dispatch bug, not user error.
func (t *Table) Get(taskID int) *Session {
	errs.Invariant("SESSION_GET", taskID >= 0 && taskID < len(t.sessions),
		"task id out of range")
	return t.sessions[taskID]
}

// Connecting transitions a task from Unconnected to Ack on fd. Returns
// false if the task was not Unconnected (the slot is already in use).
func (t *Table) Connecting(taskID, fd int, eng *ioengine.Engine) bool {
	s := t.Get(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnconnected {
		return false
	}
	s.fd = fd
	s.eng = eng
	s.state = StateAck
	return true
}

// Connected transitions a task from Ack to Operate once the handshake
// completes.
func (t *Table) Connected(taskID int) bool {
	s := t.Get(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAck {
		return false
	}
	s.state = StateOperate
	return true
}

// EnterCollective transitions a task from Operate to Coll when it
// contributes to a fence. Returns false if the task is not currently
// Operate (e.g. a duplicate contribution).
func (t *Table) EnterCollective(taskID int) bool {
	s := t.Get(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOperate {
		return false
	}
	s.state = StateColl
	return true
}

// FinishCollective transitions a task from Coll back to Operate once its
// fan-out delivery completes.
func (t *Table) FinishCollective(taskID int) bool {
	s := t.Get(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateColl {
		return false
	}
	s.state = StateOperate
	return true
}

// Finalize tears down a session, returning it to Unconnected so the fd
// slot can be reused by a restarted task.
func (t *Table) Finalize(taskID int) {
	s := t.Get(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fd = -1
	s.eng = nil
	s.state = StateUnconnected
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FD returns the session's file descriptor, or -1 if unconnected.
func (s *Session) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// Engine returns the session's I/O engine, or nil if unconnected.
func (s *Session) Engine() *ioengine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

// TaskID returns the task id this session belongs to.
func (s *Session) TaskID() int {
	return s.taskID
}
