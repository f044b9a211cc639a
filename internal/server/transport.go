package server

import (
	"github.com/pmixstepd/coll/internal/constants"
	"github.com/pmixstepd/coll/internal/logging"
)

// Transport is the host-provided "forward data" primitive (the
// downward collaborator contract this core never implements itself):
// it delivers len(b) bytes to dest, resolved against addr, the step's
// per-round rendezvous address. A non-nil error means the transport
// made no delivery guarantee for this attempt.
type Transport interface {
	ForwardData(dest, addr string, b []byte) error
}

// retryingSender adapts a Transport into the narrower Sender interface
// the collective engine and the direct-modex handler each declare for
// themselves, adding bounded retry around a single logical send.
type retryingSender struct {
	transport Transport
	addr      string
	log       *logging.Logger
}

func newRetryingSender(t Transport, addr string, log *logging.Logger) *retryingSender {
	return &retryingSender{transport: t, addr: addr, log: log}
}

// Send implements both collective.Sender and dmdx.Sender.
func (s *retryingSender) Send(destHost string, frame []byte) error {
	var err error
	for attempt := 1; attempt <= constants.MaxSendAttempts; attempt++ {
		if err = s.transport.ForwardData(destHost, s.addr, frame); err == nil {
			return nil
		}
		s.log.Warn("forward_data failed", "dest", destHost, "attempt", attempt, "error", err)
	}
	return err
}
