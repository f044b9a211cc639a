// Package ioengine implements the per-connection, two-phase message reader
// used by the stepd server: it accumulates bytes from a non-blocking
// reader and exposes whole frames only once a complete header and payload
// have arrived. Partial messages are never surfaced to callers.
package ioengine

import (
	"errors"
	"io"

	"github.com/pmixstepd/coll/internal/wire"
)

// ErrWouldBlock is returned by a Reader when no more bytes are currently
// available without blocking. Engine.Rcvd treats it as "nothing to do yet".
var ErrWouldBlock = errors.New("ioengine: would block")

// Reader is the minimal non-blocking byte source an Engine drives. A real
// server wraps a non-blocking socket fd; tests wrap an in-memory buffer.
type Reader interface {
	Read(p []byte) (int, error)
}

type phase int

const (
	phaseHeader phase = iota
	phasePayload
	phaseReady
)

// Engine accumulates bytes for exactly one connection and yields whole
// messages. A whole message is delivered atomically: Ready() only becomes
// true once both the header and its declared payload have fully arrived.
type Engine struct {
	r Reader

	padding     int // bytes of transport-injected sender id to skip before each message
	paddingLeft int

	phase      phase
	hdrBuf     [wire.RecvPrefixSize + wire.HeaderSize]byte
	hdrGot     int
	header     wire.Header
	payload    []byte
	payloadGot int

	finalized bool
	finalErr  error
}

// New creates an Engine reading from r. padding, if non-zero, is the
// number of bytes the transport prepends to every message (e.g. a forwarded
// sender uid) that must be consumed and discarded before the size-prefixed
// header.
func New(r Reader, padding int) *Engine {
	return &Engine{r: r, padding: padding, paddingLeft: padding}
}

// Ready reports whether a whole message is currently buffered.
func (e *Engine) Ready() bool {
	return e.phase == phaseReady
}

// Finalized reports whether the connection is closed or has hit a fatal
// framing error; once true the Engine will never produce more messages.
func (e *Engine) Finalized() bool {
	return e.finalized
}

// Err returns the error that caused Finalized to become true, if any.
func (e *Engine) Err() error {
	return e.finalErr
}

// Rcvd consumes as many currently-available bytes as the reader has
// without blocking. It returns once the reader reports ErrWouldBlock, a
// whole message becomes ready, or a fatal error finalizes the connection.
// It never blocks and never consumes bytes past the first ready message.
func (e *Engine) Rcvd() {
	for !e.finalized && !e.Ready() {
		if e.paddingLeft > 0 {
			discard := make([]byte, e.paddingLeft)
			n, err := e.r.Read(discard)
			e.paddingLeft -= n
			if !e.handleReadErr(err) {
				return
			}
			continue
		}
		switch e.phase {
		case phaseHeader:
			need := len(e.hdrBuf) - e.hdrGot
			if need == 0 {
				e.onHeaderComplete()
				continue
			}
			n, err := e.r.Read(e.hdrBuf[e.hdrGot:])
			e.hdrGot += n
			if !e.handleReadErr(err) {
				return
			}
		case phasePayload:
			need := len(e.payload) - e.payloadGot
			if need == 0 {
				e.phase = phaseReady
				continue
			}
			n, err := e.r.Read(e.payload[e.payloadGot:])
			e.payloadGot += n
			if !e.handleReadErr(err) {
				return
			}
		}
	}
}

func (e *Engine) handleReadErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrWouldBlock) {
		return false
	}
	e.finalize(err)
	return false
}

func (e *Engine) onHeaderComplete() {
	h, err := wire.UnpackRecvPrefix(e.hdrBuf[:])
	if err != nil {
		e.finalize(err)
		return
	}
	e.header = h
	if h.PaySize == 0 {
		e.payload = nil
		e.phase = phaseReady
		return
	}
	e.payload = getBuffer(h.PaySize)
	e.payloadGot = 0
	e.phase = phasePayload
}

func (e *Engine) finalize(err error) {
	if e.finalized {
		return
	}
	e.finalized = true
	if err != nil && !errors.Is(err, io.EOF) {
		e.finalErr = err
	}
}

// Extract returns ownership of the header and payload of the ready message
// and resets the Engine to accept the next one. It must only be called
// when Ready() is true.
func (e *Engine) Extract() (wire.Header, []byte) {
	h, p := e.header, e.payload
	e.header = wire.Header{}
	e.payload = nil
	e.hdrGot = 0
	e.payloadGot = 0
	e.phase = phaseHeader
	e.paddingLeft = e.padding
	return h, p
}

// ReleasePayload returns a payload buffer obtained from Extract to the
// shared pool once the caller is done with it. Payloads handed to the
// collective engine on the FENCE path must not be released this way —
// ownership has transferred (spec §5 resource lifetimes).
func ReleasePayload(b []byte) {
	if b != nil {
		putBuffer(b)
	}
}

// Finalize releases this Engine's resources. Safe to call more than once.
func (e *Engine) Finalize() {
	if e.payload != nil {
		putBuffer(e.payload)
		e.payload = nil
	}
	e.finalized = true
}
