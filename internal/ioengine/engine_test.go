package ioengine

import (
	"io"
	"testing"

	"github.com/pmixstepd/coll/internal/wire"
)

// chunkedReader feeds back bytes a few at a time to exercise partial reads,
// returning ErrWouldBlock when its current chunk is exhausted and EOF once
// all chunks are exhausted.
type chunkedReader struct {
	chunks [][]byte
	cur    int
	off    int
	eof    bool
	paused bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.paused {
		c.paused = false
		return 0, ErrWouldBlock
	}
	if c.cur >= len(c.chunks) {
		if c.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	chunk := c.chunks[c.cur]
	n := copy(p, chunk[c.off:])
	c.off += n
	if c.off == len(chunk) {
		c.cur++
		c.off = 0
		c.paused = true
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

func frame(h wire.Header, payload []byte) []byte {
	h.PaySize = uint32(len(payload))
	hdr := wire.Pack(h)
	var prefix [4]byte
	total := uint32(wire.HeaderSize) + h.PaySize
	prefix[0] = byte(total >> 24)
	prefix[1] = byte(total >> 16)
	prefix[2] = byte(total >> 8)
	prefix[3] = byte(total)
	buf := append(append([]byte{}, prefix[:]...), hdr...)
	return append(buf, payload...)
}

func TestEngineDeliversWholeMessageOnlyAfterPayload(t *testing.T) {
	msg := frame(wire.Header{Magic: wire.Sentinel, Gen: 1, NodeID: 2, Cmd: wire.CmdFence}, []byte("hello"))

	// Split the message into byte-at-a-time chunks to prove partial reads
	// never surface a ready message early.
	var chunks [][]byte
	for _, b := range msg {
		chunks = append(chunks, []byte{b})
	}
	r := &chunkedReader{chunks: chunks}
	e := New(r, 0)

	for i := 0; i < len(msg)-1; i++ {
		e.Rcvd()
		if e.Ready() {
			t.Fatalf("Ready() became true after %d of %d bytes", i+1, len(msg))
		}
	}
	e.Rcvd()
	if !e.Ready() {
		t.Fatal("Ready() = false after full message delivered")
	}
	h, payload := e.Extract()
	if h.Gen != 1 || h.NodeID != 2 || h.Cmd != wire.CmdFence {
		t.Errorf("unexpected header: %+v", h)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
	if e.Ready() {
		t.Error("Ready() should be false immediately after Extract")
	}
}

func TestEngineFinalizesOnEOF(t *testing.T) {
	r := &chunkedReader{eof: true}
	e := New(r, 0)
	e.Rcvd()
	if !e.Finalized() {
		t.Fatal("Finalized() = false after EOF with no data")
	}
}

func TestEngineFinalizesOnBadMagic(t *testing.T) {
	msg := frame(wire.Header{Magic: 0, Gen: 0, NodeID: 0, Cmd: wire.CmdFence}, nil)
	r := &chunkedReader{chunks: [][]byte{msg}}
	e := New(r, 0)
	e.Rcvd()
	if !e.Finalized() {
		t.Fatal("Finalized() = false after bad-magic frame")
	}
	if e.Err() == nil {
		t.Error("Err() = nil, want a framing error")
	}
}

func TestEngineSkipsReceivePadding(t *testing.T) {
	padding := []byte{0xAA, 0xBB, 0xCC}
	msg := frame(wire.Header{Magic: wire.Sentinel, Gen: 0, NodeID: 0, Cmd: wire.CmdDirect}, []byte("x"))
	full := append(append([]byte{}, padding...), msg...)

	r := &chunkedReader{chunks: [][]byte{full}}
	e := New(r, len(padding))
	e.Rcvd()
	if !e.Ready() {
		t.Fatal("Ready() = false after padded message delivered")
	}
	h, payload := e.Extract()
	if h.Cmd != wire.CmdDirect || string(payload) != "x" {
		t.Errorf("unexpected result: %+v %q", h, payload)
	}
}

func TestEngineHandlesTwoMessagesInSequence(t *testing.T) {
	msg1 := frame(wire.Header{Magic: wire.Sentinel, Gen: 1, NodeID: 0, Cmd: wire.CmdFence}, []byte("A"))
	msg2 := frame(wire.Header{Magic: wire.Sentinel, Gen: 2, NodeID: 0, Cmd: wire.CmdFence}, []byte("B"))

	r := &chunkedReader{chunks: [][]byte{append(append([]byte{}, msg1...), msg2...)}}
	e := New(r, 0)

	e.Rcvd()
	if !e.Ready() {
		t.Fatal("first message not ready")
	}
	h1, p1 := e.Extract()
	if h1.Gen != 1 || string(p1) != "A" {
		t.Errorf("first message mismatch: %+v %q", h1, p1)
	}

	e.Rcvd()
	if !e.Ready() {
		t.Fatal("second message not ready")
	}
	h2, p2 := e.Extract()
	if h2.Gen != 2 || string(p2) != "B" {
		t.Errorf("second message mismatch: %+v %q", h2, p2)
	}
}
