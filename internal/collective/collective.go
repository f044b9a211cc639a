// Package collective implements the tree fan-in/fan-out state machine
// that performs a fence across the nodes participating in one step.
package collective

import (
	"sync"
	"time"

	"github.com/pmixstepd/coll/internal/errs"
	"github.com/pmixstepd/coll/internal/wire"
)

// Type identifies a collective flavour. This implementation supports
// exactly one: a plain all-gather fence. A second flavour (e.g. a
// barrier with no payload) would need its own completion semantics and
// is left undesigned rather than stubbed — see DESIGN.md.
type Type int

const FenceFlavourDefault Type = 0

// Status is the outcome delivered to the completion callback.
type Status int

const (
	StatusSuccess Status = iota
	StatusTimeout
)

// CompletionCallback receives the aggregated fence payload, or an empty
// payload with StatusTimeout if the round expired.
type CompletionCallback func(status Status, payload []byte)

// Sender delivers one framed message to a destination hostname. Self-
// delivery (a root sending fan-out to its own node) is expected to loop
// back into the local dispatch path rather than go over the wire.
type Sender interface {
	Send(destHost string, frame []byte) error
}

type state int

const (
	stateSync state = iota
	stateFanIn
	stateFanOut
)

// Instance is one collective round, reused across fences: at the end of
// FAN_OUT it resets in place and its sequence number advances.
type Instance struct {
	typ Type

	hostlist  []string
	thisHost  string
	tree      Tree
	sender    Sender
	timeout   time.Duration
	callback  CompletionCallback

	mu           sync.Mutex
	st           state
	seq          uint32
	ts           time.Time
	payload      []byte
	contribLocal bool
	childContrib []int // one slot per child, 0 or 1
	contribCntr  int
}

// NewInstance creates a collective instance for hostlist (this node's
// position given by thisHost), with the given tree fan-out width.
func NewInstance(typ Type, hostlist []string, thisHost string, width int, timeout time.Duration, sender Sender, cb CompletionCallback) *Instance {
	nodeID := indexOf(hostlist, thisHost)
	tree := BuildTree(hostlist, nodeID, width)
	return &Instance{
		typ:          typ,
		hostlist:     hostlist,
		thisHost:     thisHost,
		tree:         tree,
		sender:       sender,
		timeout:      timeout,
		callback:     cb,
		st:           stateSync,
		childContrib: make([]int, len(tree.ChildrenNodeIDs)),
	}
}

func indexOf(hostlist []string, host string) int {
	for i, h := range hostlist {
		if h == host {
			return i
		}
	}
	return -1
}

// Seq returns the instance's current sequence number.
func (in *Instance) Seq() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.seq
}

// ContribLocal records the local rank's contribution and progresses the
// round. local_contrib can only be set once per round; a second call
// before the round resets (FanOutData or a timeout) is ignored,
// mirroring ch_contribs' own idempotence for peers.
func (in *Instance) ContribLocal(payload []byte) {
	in.mu.Lock()
	if in.st == stateSync {
		in.st = stateFanIn
		in.ts = time.Now()
	}
	if in.contribLocal {
		in.mu.Unlock()
		return
	}
	in.payload = append(in.payload, payload...)
	in.contribLocal = true
	in.mu.Unlock()

	in.progressFanIn()
}

// ContribNode absorbs a contribution from a peer node identified by its
// hostname and the generation it was tagged with on the wire. Rejection
// order: sourceHost not being a direct child is a protocol violation
// and panics; a duplicate, a stale generation (gen < the round's
// current seq — a retransmission from a round that has already
// completed and reset), or a late arrival (round not in FAN_IN) is
// silently dropped, per spec.
func (in *Instance) ContribNode(sourceHost string, gen uint32, payload []byte) {
	idx := -1
	for i, childNodeID := range in.tree.ChildrenNodeIDs {
		if in.hostlist[childNodeID] == sourceHost {
			idx = i
			break
		}
	}
	errs.Invariant("COLL_CONTRIB_NODE", idx >= 0, "contribution from a non-child node")

	in.mu.Lock()
	if in.childContrib[idx] > 0 {
		in.mu.Unlock()
		return // duplicate retransmission, drop
	}
	if gen < in.seq {
		in.mu.Unlock()
		return // stale generation, drop
	}
	if in.st != stateFanIn {
		in.mu.Unlock()
		return // late arrival, drop
	}
	in.payload = append(in.payload, payload...)
	in.childContrib[idx] = 1
	in.contribCntr++
	in.mu.Unlock()

	in.progressFanIn()
}

// progressFanIn checks whether this round is ready to send upward (or
// fan out, at the root) and does so. The lock covers only the state
// check and buffer snapshot; the network send happens after Unlock so
// the instance is never held locked across I/O.
func (in *Instance) progressFanIn() {
	in.mu.Lock()
	if in.st != stateFanIn {
		in.mu.Unlock()
		return
	}
	if !(in.contribLocal && in.contribCntr == len(in.tree.ChildrenNodeIDs)) {
		in.mu.Unlock()
		return
	}

	payload := in.payload
	seq := in.seq
	isRoot := in.tree.IsRoot
	parentHost := in.tree.ParentHost
	hostlist := in.hostlist
	thisNodeID := indexOf(in.hostlist, in.thisHost)

	in.st = stateFanOut
	in.payload = in.payload[:0]
	in.mu.Unlock()

	if isRoot {
		frame := wire.Pack(wire.Header{Magic: wire.Sentinel, Gen: seq, NodeID: uint32(thisNodeID), PaySize: uint32(len(payload)), Cmd: wire.CmdFenceResp})
		frame = append(frame, payload...)
		for _, dest := range hostlist {
			_ = in.sender.Send(dest, frame)
		}
		return
	}

	frame := wire.Pack(wire.Header{Magic: wire.Sentinel, Gen: seq, NodeID: uint32(thisNodeID), PaySize: uint32(len(payload)), Cmd: wire.CmdFence})
	frame = append(frame, payload...)
	_ = in.sender.Send(parentHost, frame)
}

// FanOutData delivers a FAN_OUT payload received from the tree: invokes
// the completion callback with the aggregated bytes and resets the
// instance for the next round.
func (in *Instance) FanOutData(payload []byte) {
	in.mu.Lock()
	errs.Invariant("COLL_FAN_OUT_DATA", in.st == stateFanOut, "fan-out data delivered outside FAN_OUT")
	cb := in.callback
	in.resetLocked()
	in.mu.Unlock()

	if cb != nil {
		cb(StatusSuccess, payload)
	}
}

// ResetIfTimedOut invokes the timeout sweep: if the instance has been
// outside SYNC for longer than its configured timeout, the callback
// fires with StatusTimeout and the instance resets, seq advancing so
// the next round starts fresh.
func (in *Instance) ResetIfTimedOut(now time.Time) bool {
	in.mu.Lock()
	if in.st == stateSync {
		in.mu.Unlock()
		return false
	}
	if now.Sub(in.ts) <= in.timeout {
		in.mu.Unlock()
		return false
	}
	cb := in.callback
	in.resetLocked()
	in.mu.Unlock()

	if cb != nil {
		cb(StatusTimeout, nil)
	}
	return true
}

// resetLocked returns the instance to SYNC and advances seq. Caller
// must hold in.mu.
func (in *Instance) resetLocked() {
	in.st = stateSync
	for i := range in.childContrib {
		in.childContrib[i] = 0
	}
	in.contribCntr = 0
	in.contribLocal = false
	in.payload = in.payload[:0]
	in.seq++
}

