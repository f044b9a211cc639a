package server

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/pmixstepd/coll/internal/constants"
	"github.com/pmixstepd/coll/internal/ioengine"
	"github.com/pmixstepd/coll/internal/logging"
)

// fdReader adapts a raw non-blocking fd into an ioengine.Reader,
// translating EAGAIN/EWOULDBLOCK into ioengine.ErrWouldBlock and a
// zero-byte read into io.EOF.
type fdReader int

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(int(r), p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ioengine.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Loop drives a Server's sockets through epoll. The only suspension
// point is EpollWait, matching the single-threaded cooperative
// scheduling model the rest of this core assumes: nothing here blocks
// inside a readiness callback.
type Loop struct {
	epfd     int
	listenFd int
	srv      *Server
	log      *logging.Logger
}

// NewLoop creates an epoll-driven loop that watches listenFd for
// inbound tree connections and routes readable peers into srv.
func NewLoop(listenFd int, srv *Server) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("server: epoll_create1: %w", err)
	}
	l := &Loop{epfd: epfd, listenFd: listenFd, srv: srv, log: logging.Default()}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(listenFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFd, &ev); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("server: epoll_ctl add listener: %w", err)
	}
	return l, nil
}

// RegisterPeer adds fd to the epoll set and wraps it as a tree-peer
// connection, with padding bytes of transport-injected sender
// identification skipped before every message.
func (l *Loop) RegisterPeer(fd int, padding int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("server: epoll_ctl add peer %d: %w", fd, err)
	}
	l.srv.AddPeer(fd, padding, fdReader(fd))
	return nil
}

// deregister removes fd from the epoll set. Failures are logged, not
// fatal: the fd may already be gone by the time this runs.
func (l *Loop) deregister(fd int) {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		l.log.Debug("epoll_ctl del failed", "fd", fd, "error", err)
	}
}

// AcceptFunc accepts a new connection on the listening socket and
// returns its fd and the number of transport-injected padding bytes
// that precede every frame on it.
type AcceptFunc func() (fd int, padding int, err error)

// Run services readiness events until ctx is cancelled or a fatal
// epoll error occurs.
func (l *Loop) Run(ctx context.Context, accept AcceptFunc) error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, constants.EpollWaitTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("server: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.listenFd {
				newFd, padding, err := accept()
				if err != nil {
					l.log.Warn("accept failed", "error", err)
					continue
				}
				if err := l.RegisterPeer(newFd, padding); err != nil {
					l.log.Warn("failed to register accepted peer", "error", err)
				}
				continue
			}
			if !l.srv.HandleReadable(fd) {
				l.deregister(fd)
			}
		}
	}
}

// Close releases the loop's epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
