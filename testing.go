package pmixstepd

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pmixstepd/coll/internal/ioengine"
	"github.com/pmixstepd/coll/internal/wire"
)

// MockTransport provides an in-memory implementation of
// internal/server.Transport for testing. Each destination hostname gets
// its own byte queue; ForwardData injects the RecvPrefixSize length
// prefix a real transport is responsible for, and a Reader drains the
// queue non-blockingly, exactly like a socket read would.
type MockTransport struct {
	mu      sync.Mutex
	queues  map[string]*bytes.Buffer
	calls   int
	failNext map[string]int
}

// NewMockTransport creates an empty mock transport. This is useful for
// wiring two or more in-process StepContexts together for unit tests.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		queues:   make(map[string]*bytes.Buffer),
		failNext: make(map[string]int),
	}
}

func (t *MockTransport) queueFor(host string) *bytes.Buffer {
	buf, ok := t.queues[host]
	if !ok {
		buf = &bytes.Buffer{}
		t.queues[host] = buf
	}
	return buf
}

// ForwardData implements internal/server.Transport. addr is ignored: a
// mock has no real rendezvous address to resolve.
func (t *MockTransport) ForwardData(dest, addr string, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls++
	if n := t.failNext[dest]; n > 0 {
		t.failNext[dest] = n - 1
		return errTransportInjected
	}

	prefix := make([]byte, wire.RecvPrefixSize)
	binary.BigEndian.PutUint32(prefix, uint32(len(b)))
	buf := t.queueFor(dest)
	buf.Write(prefix)
	buf.Write(b)
	return nil
}

// FailNext makes the next n ForwardData calls to dest return an error,
// for exercising retry paths.
func (t *MockTransport) FailNext(dest string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[dest] = n
}

// Reader returns an ioengine.Reader draining host's queue. Wire it into
// internal/server.Server.AddPeer (or Loop.RegisterPeer) to let that
// host's StepContext receive frames forwarded to it.
func (t *MockTransport) Reader(host string) ioengine.Reader {
	return &mockReader{t: t, host: host}
}

// CallCount returns the number of ForwardData calls made so far.
func (t *MockTransport) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Pending returns the number of unread bytes currently queued for host.
func (t *MockTransport) Pending(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queueFor(host).Len()
}

type mockReader struct {
	t    *MockTransport
	host string
}

func (r *mockReader) Read(p []byte) (int, error) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	buf := r.t.queueFor(r.host)
	if buf.Len() == 0 {
		return 0, ioengine.ErrWouldBlock
	}
	return buf.Read(p)
}

var errTransportInjected = NewError("MOCK_TRANSPORT", ErrKindTransport, "injected failure")
