// Package pmixstepd implements a PMIx-style process management interface
// server for a single Slurm job step: tree collectives (fence), direct
// modex, and per-rank client session tracking.
package pmixstepd

import "github.com/pmixstepd/coll/internal/errs"

// Error, ErrorKind, and the Invariant/NewError family are re-exported
// from internal/errs: every internal package (db, session, collective,
// dmdx, server) raises these same errors, and internal/errs has no
// dependency back on this package, so re-exporting here avoids an
// import cycle while keeping one public error type.
type (
	Error     = errs.Error
	ErrorKind = errs.ErrorKind
)

const (
	ErrKindInvariant  = errs.ErrKindInvariant
	ErrKindWireFormat = errs.ErrKindWireFormat
	ErrKindTransport  = errs.ErrKindTransport
	ErrKindSemantic   = errs.ErrKindSemantic
	ErrKindTimeout    = errs.ErrKindTimeout
)

var (
	NewError     = errs.NewError
	NewNodeError = errs.NewNodeError
	NewTaskError = errs.NewTaskError
	WrapError    = errs.WrapError
	Invariant    = errs.Invariant
	AsError      = errs.AsError
	IsKind       = errs.IsKind
)
