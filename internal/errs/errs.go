// Package errs holds the structured error taxonomy shared by every
// layer of the stepd core. It is kept free of a dependency on the
// top-level pmixstepd package so that package (and everything it wires
// together) can depend on internal/db, internal/session,
// internal/collective, internal/dmdx, and internal/server without an
// import cycle; pmixstepd's own errors.go re-exports these names for
// external callers.
package errs

import (
	"errors"
	"fmt"
)

// Error represents a structured stepd error with context.
type Error struct {
	Op     string    // Operation that failed (e.g., "FENCE", "DMDX_REQUEST")
	NodeID uint32    // Node id (0 if not applicable)
	TaskID int       // Task id (-1 if not applicable)
	Kind   ErrorKind // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.TaskID >= 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.TaskID))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("pmixstepd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pmixstepd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on Kind.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// ErrorKind represents high-level error categories.
type ErrorKind string

const (
	// ErrKindInvariant marks a violated programming invariant: a bug in
	// this server, not a transient runtime condition. Treated as fatal
	// at the point it's raised, but isolated to the connection it was
	// raised servicing rather than the whole process — see
	// internal/server's dispatch recover.
	ErrKindInvariant ErrorKind = "invariant violated"
	// ErrKindWireFormat marks a malformed frame on the wire.
	ErrKindWireFormat ErrorKind = "wire format error"
	// ErrKindTransport marks a send/receive failure against another node.
	ErrKindTransport ErrorKind = "transport error"
	// ErrKindSemantic marks a protocol-level rejection (bad generation,
	// unknown task, duplicate contribution after completion).
	ErrKindSemantic ErrorKind = "semantic error"
	// ErrKindTimeout marks a collective or request that exceeded its
	// deadline.
	ErrKindTimeout ErrorKind = "timeout"
)

// NewError creates a new structured error.
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, TaskID: -1, Kind: kind, Msg: msg}
}

// NewNodeError creates a new node-scoped error.
func NewNodeError(op string, nodeID uint32, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, NodeID: nodeID, TaskID: -1, Kind: kind, Msg: msg}
}

// NewTaskError creates a new task-scoped error.
func NewTaskError(op string, taskID int, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, TaskID: taskID, Kind: kind, Msg: msg}
}

// WrapError wraps an existing error with stepd context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if se, ok := inner.(*Error); ok {
		return &Error{Op: op, NodeID: se.NodeID, TaskID: se.TaskID, Kind: se.Kind, Msg: se.Msg, Inner: se.Inner}
	}
	return &Error{Op: op, TaskID: -1, Kind: ErrKindTransport, Msg: inner.Error(), Inner: inner}
}

// Invariant panics with a structured *Error of kind ErrKindInvariant if
// cond is false. Used throughout the collective, DB, session, DMDX, and
// server packages to surface programming invariants as fatal
// assertions, matching the xassert convention of the system this
// protocol was distilled from: these never fire in a correct build.
// internal/server recovers one raised while servicing a single peer and
// drops that connection instead of letting it take down the server.
func Invariant(op string, cond bool, msg string) {
	if !cond {
		panic(NewError(op, ErrKindInvariant, msg))
	}
}

// AsError unwraps err into a *Error, if it is (or wraps) one.
func AsError(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}

// IsKind checks if an error matches a specific error kind.
func IsKind(err error, kind ErrorKind) bool {
	se, ok := AsError(err)
	return ok && se.Kind == kind
}
