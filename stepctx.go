// Package pmixstepd implements a PMIx-style process management interface
// server for a single Slurm job step: tree collectives (fence), direct
// modex, and per-rank client session tracking.
package pmixstepd

import (
	"context"
	"fmt"
	"time"

	"github.com/pmixstepd/coll/internal/collective"
	"github.com/pmixstepd/coll/internal/constants"
	"github.com/pmixstepd/coll/internal/db"
	"github.com/pmixstepd/coll/internal/dmdx"
	"github.com/pmixstepd/coll/internal/jobinfo"
	"github.com/pmixstepd/coll/internal/logging"
	"github.com/pmixstepd/coll/internal/server"
	"github.com/pmixstepd/coll/internal/session"
)

// StepConfig carries the parameters needed to bind one step's worth of
// components (job topology, blob DB, client sessions, collective
// engine, direct-modex handler, server dispatch) into a StepContext.
type StepConfig struct {
	// Environ is the "KEY=VALUE" environment this node's stepd process
	// was launched with (as os.Environ returns). Required.
	Environ []string

	// Role distinguishes a stepd tree member from an srun tree root.
	Role jobinfo.Role

	// Transport is the host-provided forward-data primitive. Required.
	Transport server.Transport

	// RendezvousAddr is this step's per-round rendezvous address,
	// passed through to Transport.ForwardData.
	RendezvousAddr string

	// TreeWidth overrides the tree fan-out width. 0 uses
	// jobinfo.DefaultTreeWidth.
	TreeWidth int

	// FenceTimeout overrides the default collective round timeout.
	// 0 uses DefaultFenceTimeout.
	FenceTimeout time.Duration
}

// Options carries optional hooks a caller may register.
type Options struct {
	// Logger receives informational messages, if set.
	Logger *logging.Logger

	// Observer receives metrics events, if set. Defaults to an observer
	// that records into this step's own Metrics.
	Observer Observer

	// ModexCallback fires once a direct-modex response for a task has
	// been cached, so a blocked local client can be released.
	// Delivering the rank's own bytes to the PMIx library is outside
	// this core's scope; this hook is as far as it goes.
	ModexCallback server.ModexCallback

	// FenceCompleteCallback fires with the aggregated fan-out payload
	// once a fence round finishes successfully. Splitting that payload
	// back into per-task blobs belongs to the on-host PMIx library
	// linkage, outside this core's scope; this hook is as far as it
	// goes.
	FenceCompleteCallback func(payload []byte)
}

// StepContext binds one job step's job-info snapshot, blob DB, client
// session table, collective engine, direct-modex handler, and server
// dispatch into a single explicit value, replacing the module-scope
// globals the original keeps. See Design Notes: a reimplementation
// should bind these into an explicit Step Context constructed at init
// and threaded through all entry points.
type StepContext struct {
	Job      *jobinfo.JobInfo
	DB       *db.DB
	Sessions *session.Table
	Coll     *collective.Instance
	Dmdx     *dmdx.Handler
	Server   *server.Server

	metrics *Metrics
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultFenceTimeout is used when StepConfig.FenceTimeout is zero,
// re-exported from internal/constants.
const DefaultFenceTimeout = constants.DefaultFenceTimeout

// NewStepContext loads job topology from config.Environ and wires
// together the blob DB, session table, collective engine, direct-modex
// handler, and server dispatch for this node's step.
//
// Example:
//
//	cfg := pmixstepd.StepConfig{Environ: os.Environ(), Transport: t, RendezvousAddr: addr}
//	sc, err := pmixstepd.NewStepContext(context.Background(), cfg, nil)
func NewStepContext(ctx context.Context, config StepConfig, options *Options) (*StepContext, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("pmixstepd: StepConfig.Transport is required")
	}

	job, err := jobinfo.Load(config.Environ, config.Role)
	if err != nil {
		return nil, fmt.Errorf("pmixstepd: failed to load job info: %w", err)
	}
	if config.TreeWidth > 0 {
		job = job.WithTreeWidth(config.TreeWidth)
	}

	timeout := config.FenceTimeout
	if timeout == 0 {
		timeout = DefaultFenceTimeout
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = &NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	database := db.New(job.NTasks())
	sessions := session.NewTable(len(job.LocalTasks()))

	sender := server.TreeSender(config.Transport, config.RendezvousAddr)

	hostlist := make([]string, job.NNodes())
	for i := range hostlist {
		hostlist[i] = job.Hostname(i)
	}

	onFenceComplete := func(status collective.Status, payload []byte) {
		switch status {
		case collective.StatusTimeout:
			observer.ObserveFenceTimeout()
			logger.Warn("fence round timed out")
		default:
			observer.ObserveFenceComplete(0, uint64(len(payload)), 0)
			logger.Debug("fence round complete", "bytes", len(payload))
			if options.FenceCompleteCallback != nil {
				options.FenceCompleteCallback(payload)
			}
		}
	}

	coll := collective.NewInstance(collective.FenceFlavourDefault, hostlist,
		job.Hostname(job.NodeID()), job.TreeWidth(), timeout, sender, onFenceComplete)

	dmdxH := dmdx.NewHandler(database, job, sender)

	srv := server.New(job, coll, dmdxH, database, sessions, options.ModexCallback)

	sctx, cancel := context.WithCancel(ctx)
	return &StepContext{
		Job:      job,
		DB:       database,
		Sessions: sessions,
		Coll:     coll,
		Dmdx:     dmdxH,
		Server:   srv,
		metrics:  metrics,
		log:      logger,
		ctx:      sctx,
		cancel:   cancel,
	}, nil
}

// Context returns the StepContext's lifetime context, cancelled by Close.
func (sc *StepContext) Context() context.Context {
	return sc.ctx
}

// Metrics returns this step's metrics counters.
func (sc *StepContext) Metrics() *Metrics {
	return sc.metrics
}

// Close cancels the step context's lifetime and stops its metrics clock.
// It does not close any registered peer connections; callers that own
// file descriptors or an epoll loop (internal/server.Loop) must close
// those themselves first.
func (sc *StepContext) Close() error {
	sc.cancel()
	sc.metrics.Stop()
	return nil
}
