package pmixstepd

import "github.com/pmixstepd/coll/internal/constants"

// Re-export tuning defaults for callers of the public API.
const (
	DefaultTreeWidth   = constants.DefaultTreeWidth
	DefaultEpollWaitMs = constants.EpollWaitTimeoutMs
	MaxSendAttempts    = constants.MaxSendAttempts
)
