// Package server accepts inbound tree connections, frames their bytes
// through the per-connection I/O engine, and routes whole messages by
// command into the collective engine, the direct-modex handler, or the
// blob database.
package server

import (
	"sync"

	"github.com/pmixstepd/coll/internal/collective"
	"github.com/pmixstepd/coll/internal/db"
	"github.com/pmixstepd/coll/internal/dmdx"
	"github.com/pmixstepd/coll/internal/errs"
	"github.com/pmixstepd/coll/internal/ioengine"
	"github.com/pmixstepd/coll/internal/jobinfo"
	"github.com/pmixstepd/coll/internal/logging"
	"github.com/pmixstepd/coll/internal/session"
	"github.com/pmixstepd/coll/internal/wire"
)

// ModexCallback is the upward notification that a direct-modex response
// for taskID has arrived and been cached, so a local client blocked on
// that task's blob can be released. Delivering the rank's own bytes is
// the on-host PMIx library's job, outside this core.
type ModexCallback func(taskID int, blob []byte)

type peer struct {
	eng *ioengine.Engine
}

// Server holds one tree-peer connection set and the components each
// inbound message is routed to.
type Server struct {
	job      *jobinfo.JobInfo
	coll     *collective.Instance
	dmdxH    *dmdx.Handler
	database *db.DB
	sessions *session.Table
	log      *logging.Logger
	modexCB  ModexCallback

	mu    sync.Mutex
	peers map[int]*peer
}

// New creates a Server wired to the given step's collective instance,
// direct-modex handler, and blob database. modexCB may be nil.
func New(job *jobinfo.JobInfo, coll *collective.Instance, dmdxH *dmdx.Handler, database *db.DB, sessions *session.Table, modexCB ModexCallback) *Server {
	return &Server{
		job:      job,
		coll:     coll,
		dmdxH:    dmdxH,
		database: database,
		sessions: sessions,
		log:      logging.Default(),
		modexCB:  modexCB,
		peers:    make(map[int]*peer),
	}
}

// AddPeer registers fd as a tree-peer connection, reading through r with
// padding bytes of transport-injected sender identification skipped
// before every message.
func (s *Server) AddPeer(fd int, padding int, r ioengine.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[fd] = &peer{eng: ioengine.New(r, padding)}
}

// RemovePeer drops fd's engine and releases its buffers. Safe to call
// more than once.
func (s *Server) RemovePeer(fd int) {
	s.mu.Lock()
	p, ok := s.peers[fd]
	delete(s.peers, fd)
	s.mu.Unlock()
	if ok {
		p.eng.Finalize()
	}
}

// HandleReadable drains as many whole messages as fd's engine currently
// has buffered and dispatches each. It returns false once the
// connection has finalized (peer EOF or a fatal framing error), at
// which point the caller should deregister fd from its event loop.
func (s *Server) HandleReadable(fd int) bool {
	s.mu.Lock()
	p, ok := s.peers[fd]
	s.mu.Unlock()
	if !ok {
		return false
	}

	for {
		p.eng.Rcvd()
		if p.eng.Finalized() {
			s.RemovePeer(fd)
			return false
		}
		if !p.eng.Ready() {
			return true
		}
		hdr, payload := p.eng.Extract()
		if !s.dispatchSafe(fd, hdr, payload) {
			return false
		}
	}
}

// dispatchSafe runs dispatch behind a recover that isolates a peer's bad
// frame from the rest of the server: an invariant panic raised while
// servicing fd unregisters only that connection rather than taking down
// the event loop. Any other panic is not a protocol-isolation case and
// is left to propagate.
func (s *Server) dispatchSafe(fd int, hdr wire.Header, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			se, isInvariant := r.(*errs.Error)
			if !isInvariant || se.Kind != errs.ErrKindInvariant {
				panic(r)
			}
			s.log.Warn("dropping peer after invariant violation", "fd", fd, "error", se)
			s.RemovePeer(fd)
			ok = false
		}
	}()
	s.dispatch(hdr, payload)
	return true
}

// dispatch routes one whole message by command. Go's switch has no
// implicit fallthrough, so every case here terminates on its own —
// unlike the C original this is grounded on, where a missing break on
// DIRECT_RESP let it fall into the "bad command" branch.
func (s *Server) dispatch(hdr wire.Header, payload []byte) {
	switch hdr.Cmd {
	case wire.CmdFence:
		if int(hdr.NodeID) >= s.job.NNodes() {
			s.log.Warn("dropping fence contribution with out-of-range node id", "node_id", hdr.NodeID)
			ioengine.ReleasePayload(payload)
			return
		}
		// Ownership of payload transfers to the collective engine; it
		// must not be released back to the pool here.
		sourceHost := s.job.Hostname(int(hdr.NodeID))
		s.coll.ContribNode(sourceHost, hdr.Gen, payload)

	case wire.CmdFenceResp:
		s.coll.FanOutData(payload)
		s.finishLocalCollective()
		ioengine.ReleasePayload(payload)

	case wire.CmdDirect:
		s.dmdxH.ServiceRequest(hdr.NodeID, payload)
		ioengine.ReleasePayload(payload)

	case wire.CmdDirectResp:
		taskID, blob, err := dmdx.ParseDirectResponse(payload)
		if err != nil {
			s.log.Warn("dropping malformed direct response", "error", err)
			ioengine.ReleasePayload(payload)
			return
		}
		stored := append([]byte{}, blob...)
		s.database.StoreRemote(taskID, stored, hdr.Gen)
		ioengine.ReleasePayload(payload)
		if s.modexCB != nil {
			s.modexCB(taskID, stored)
		}

	default:
		s.log.Warn("dropping frame with unrecognized command", "cmd", hdr.Cmd)
		ioengine.ReleasePayload(payload)
	}
}

// finishLocalCollective moves every local task's session out of COLL
// once a fence round's fan-out payload has been delivered to this node,
// matching the spec's ordering guarantee that delivery precedes any DB
// update observable to this node's clients.
func (s *Server) finishLocalCollective() {
	for i := range s.job.LocalTasks() {
		s.sessions.FinishCollective(i)
	}
}

// TreeSender returns a Sender suitable for the collective engine and
// the direct-modex handler, wrapping transport with bounded retry.
func TreeSender(transport Transport, addr string) interface {
	Send(destHost string, frame []byte) error
} {
	return newRetryingSender(transport, addr, logging.Default())
}
