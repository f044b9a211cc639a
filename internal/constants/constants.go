// Package constants collects the default tuning values shared across
// the stepd core, so a caller never has to chase a magic number through
// a specific package to change it.
package constants

import "time"

const (
	// DefaultTreeWidth is the fan-out width used to build a node's
	// reverse collective tree when a job config doesn't override it.
	DefaultTreeWidth = 16

	// DefaultFenceTimeout is how long a collective instance waits
	// outside SYNC before its periodic sweep declares it timed out.
	DefaultFenceTimeout = 30 * time.Second

	// MaxSendAttempts bounds the retry around one logical
	// Transport.ForwardData call.
	MaxSendAttempts = 3

	// EpollWaitTimeoutMs bounds each epoll_wait call in the server's
	// event loop, so it can observe context cancellation even with no
	// socket activity.
	EpollWaitTimeoutMs = 1000
)
