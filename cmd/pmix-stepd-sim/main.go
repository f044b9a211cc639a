// Command pmix-stepd-sim drives a two-node fence and a direct-modex
// exchange between two in-process StepContexts, wired together over a
// MockTransport, for manual inspection of the collective core without a
// real batch launcher or job step.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	pmixstepd "github.com/pmixstepd/coll"
	"github.com/pmixstepd/coll/internal/logging"
	"github.com/pmixstepd/coll/internal/server"
)

func main() {
	var verbose = flag.Bool("v", false, "Verbose output")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func environFor(nodeID int) []string {
	environ := []string{
		"SLURM_JOB_ID=42",
		"SLURM_STEP_ID=0",
		"SLURM_NODEID=0",
		"SLURM_PMIX_STEP_NODES=n0,n1",
		"SLURM_PMIX_JOB_NODES=n0,n1",
		"SLURM_PMIX_TASK_MAP=0,1",
		"SLURM_PMIX_SRUN_PORT=34567",
	}
	if nodeID == 1 {
		environ[2] = "SLURM_NODEID=1"
	}
	return environ
}

func run(logger *logging.Logger) error {
	ctx := context.Background()
	transport := pmixstepd.NewMockTransport()

	n0, err := pmixstepd.NewStepContext(ctx, pmixstepd.StepConfig{
		Environ:        environFor(0),
		Transport:      transport,
		RendezvousAddr: "sim",
	}, &pmixstepd.Options{
		Logger: logger,
		FenceCompleteCallback: func(payload []byte) {
			logger.Info("n0 observed fence completion", "payload", string(payload))
		},
	})
	if err != nil {
		return fmt.Errorf("creating n0's step context: %w", err)
	}
	defer n0.Close()

	n1, err := pmixstepd.NewStepContext(ctx, pmixstepd.StepConfig{
		Environ:        environFor(1),
		Transport:      transport,
		RendezvousAddr: "sim",
	}, &pmixstepd.Options{
		Logger: logger,
		FenceCompleteCallback: func(payload []byte) {
			logger.Info("n1 observed fence completion", "payload", string(payload))
		},
		ModexCallback: func(taskID int, blob []byte) {
			logger.Info("n1 received direct-modex response", "task_id", taskID, "blob", string(blob))
		},
	})
	if err != nil {
		return fmt.Errorf("creating n1's step context: %w", err)
	}
	defer n1.Close()

	n0.Server.AddPeer(1, 0, transport.Reader("n0"))
	n1.Server.AddPeer(1, 0, transport.Reader("n1"))

	logger.Info("fence: n0 and n1 contributing")
	n0.Coll.ContribLocal([]byte("n0's local blob"))
	n1.Coll.ContribLocal([]byte("n1's local blob"))
	drainPending(n0.Server, transport, "n0", 1)
	drainPending(n1.Server, transport, "n1", 1)

	n0.DB.UpdateInit()
	n0.DB.AddBlob(0, []byte("task0's direct-modex blob"))
	n0.DB.UpdateVerify()

	logger.Info("direct modex: n1 requesting task 0 from n0")
	if err := n1.Dmdx.Request(0); err != nil {
		return fmt.Errorf("issuing direct-modex request: %w", err)
	}
	drainPending(n0.Server, transport, "n0", 1)
	drainPending(n1.Server, transport, "n1", 1)

	logger.Info("simulation complete", "transport_calls", transport.CallCount())
	return nil
}

// drainPending calls HandleReadable on fd until host's incoming queue is
// empty, mirroring how an epoll loop keeps reading a socket while more
// bytes remain buffered.
func drainPending(srv *server.Server, transport *pmixstepd.MockTransport, host string, fd int) {
	for transport.Pending(host) > 0 {
		if !srv.HandleReadable(fd) {
			return
		}
	}
}
