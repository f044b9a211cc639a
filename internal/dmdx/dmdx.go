// Package dmdx implements the direct-modex protocol: a rank can request
// another rank's blob without waiting for the next collective round to
// fan it out, at the cost of one extra network hop.
package dmdx

import (
	"encoding/binary"
	"sync"

	"github.com/pmixstepd/coll/internal/db"
	"github.com/pmixstepd/coll/internal/errs"
	"github.com/pmixstepd/coll/internal/jobinfo"
	"github.com/pmixstepd/coll/internal/logging"
	"github.com/pmixstepd/coll/internal/wire"
)

// payloadSize is the encoded size of a direct-modex request: a single
// 32-bit global task id.
const payloadSize = 4

// Sender delivers one framed message to a destination hostname.
type Sender interface {
	Send(destHost string, frame []byte) error
}

// Handler services direct-modex requests and replies for the tasks this
// node owns, and issues requests on behalf of this node's local tasks
// for blobs owned elsewhere.
type Handler struct {
	db     *db.DB
	job    *jobinfo.JobInfo
	sender Sender
	log    *logging.Logger

	mu sync.Mutex
	// deferred is keyed by this node's local task slot, not the global
	// task id, matching the original's pmix_state_defer_remote_req /
	// pmix_state_remote_reqs_to, which index the deferred-request list
	// by localid rather than the global id the wire protocol carries.
	deferred map[int][]uint32
}

// NewHandler creates a Handler backed by d and job's topology, sending
// replies and requests through sender.
func NewHandler(d *db.DB, job *jobinfo.JobInfo, sender Sender) *Handler {
	return &Handler{
		db:       d,
		job:      job,
		sender:   sender,
		log:      logging.Default(),
		deferred: make(map[int][]uint32),
	}
}

// Request issues a direct-modex request for taskID's blob to the node
// that owns it, tagged with this DB's current generation.
func (h *Handler) Request(taskID int) error {
	destHost := h.job.Hostname(h.job.TaskNode(taskID))

	payload := make([]byte, payloadSize)
	binary.BigEndian.PutUint32(payload, uint32(taskID))

	frame := wire.Pack(wire.Header{
		Magic:   wire.Sentinel,
		Gen:     h.db.Generation(),
		NodeID:  uint32(h.job.NodeID()),
		PaySize: uint32(len(payload)),
		Cmd:     wire.CmdDirect,
	})
	frame = append(frame, payload...)
	return h.sender.Send(destHost, frame)
}

// ServiceRequest handles an inbound DIRECT frame: sourceNodeID names the
// requester (from the frame header, attacker-controlled) and payload is
// the 4-byte encoded global task id being requested.
//
// A request for a task this node does not own is a protocol violation
// by the caller above this layer (task-to-node routing should have sent
// it elsewhere); this implementation drops it with a log line rather
// than replying with an error frame. An out-of-range sourceNodeID is
// dropped the same way, before it ever reaches a hostname lookup.
func (h *Handler) ServiceRequest(sourceNodeID uint32, payload []byte) {
	errs.Invariant("DMDX_SERVICE_REQUEST", len(payload) == payloadSize,
		"direct request payload must be 4 bytes")
	taskID := int(binary.BigEndian.Uint32(payload))

	if int(sourceNodeID) >= h.job.NNodes() {
		h.log.Warn("dropping dmdx request with out-of-range source node id", "source_node", sourceNodeID)
		return
	}
	if taskID < 0 || taskID >= h.job.NTasks() || h.job.TaskNode(taskID) != h.job.NodeID() {
		h.log.Warn("dmdx request for task not owned by this node", "task_id", taskID, "source_node", sourceNodeID)
		return
	}

	localID, ok := h.job.LocalID(taskID)
	errs.Invariant("DMDX_SERVICE_REQUEST", ok, "task owned by this node has no local slot")

	h.replyToNode(taskID, localID, sourceNodeID)
}

// replyToNode sends taskID's blob to nodeID if a fresh-enough blob is
// available, or defers the request — queued under taskID's local slot,
// per the original — until one arrives.
func (h *Handler) replyToNode(taskID, localID int, nodeID uint32) {
	blob, gen, ok := h.db.GetBlob(taskID)
	if !ok || !h.db.Fresh(gen) {
		h.mu.Lock()
		h.deferred[localID] = append(h.deferred[localID], nodeID)
		h.mu.Unlock()
		return
	}

	h.send(taskID, nodeID, blob)
}

// send builds and transmits a DIRECT_RESP frame carrying taskID || blob.
func (h *Handler) send(taskID int, nodeID uint32, blob []byte) {
	payload := make([]byte, payloadSize+len(blob))
	binary.BigEndian.PutUint32(payload[:payloadSize], uint32(taskID))
	copy(payload[payloadSize:], blob)

	frame := wire.Pack(wire.Header{
		Magic:   wire.Sentinel,
		Gen:     h.db.Generation(),
		NodeID:  uint32(h.job.NodeID()),
		PaySize: uint32(len(payload)),
		Cmd:     wire.CmdDirectResp,
	})
	frame = append(frame, payload...)

	if int(nodeID) >= h.job.NNodes() {
		h.log.Warn("dropping dmdx reply with out-of-range destination node id", "task_id", taskID, "dest_node", nodeID)
		return
	}
	destHost := h.job.Hostname(int(nodeID))
	if err := h.sender.Send(destHost, frame); err != nil {
		h.log.Warn("dmdx reply send failed", "task_id", taskID, "dest_node", nodeID, "error", err)
	}
}

// Notify drains taskID's deferred queue: called whenever the DB gains a
// fresh blob for a local task, it replies to every node that asked for
// it before the blob was available. taskID must be local to this node.
func (h *Handler) Notify(taskID int) {
	localID, ok := h.job.LocalID(taskID)
	if !ok {
		return
	}

	h.mu.Lock()
	waiters := h.deferred[localID]
	delete(h.deferred, localID)
	h.mu.Unlock()

	for _, nodeID := range waiters {
		h.replyToNode(taskID, localID, nodeID)
	}
}

// DeferredCount returns the number of nodes currently waiting on taskID's
// blob. Exposed for tests and diagnostics.
func (h *Handler) DeferredCount(taskID int) int {
	localID, ok := h.job.LocalID(taskID)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deferred[localID])
}

// ParseDirectRequest decodes a DIRECT frame's payload into the requested
// global task id.
func ParseDirectRequest(payload []byte) (taskID int, err error) {
	if len(payload) != payloadSize {
		return 0, errs.NewError("DMDX_PARSE_REQUEST", errs.ErrKindWireFormat, "direct request payload must be 4 bytes")
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseDirectResponse decodes a DIRECT_RESP frame's payload into the
// responding global task id and its blob.
func ParseDirectResponse(payload []byte) (taskID int, blob []byte, err error) {
	if len(payload) < payloadSize {
		return 0, nil, errs.NewError("DMDX_PARSE_RESPONSE", errs.ErrKindWireFormat, "direct response payload too short")
	}
	taskID = int(binary.BigEndian.Uint32(payload[:payloadSize]))
	blob = payload[payloadSize:]
	return taskID, blob, nil
}
