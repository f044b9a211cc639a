// Package jobinfo parses the environment handed to a stepd process at
// launch and derives the static facts every other component needs: this
// node's position in the step, the task-to-node mapping, and the
// rendezvous socket paths.
package jobinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pmixstepd/coll/internal/constants"
)

// Environment variable names consulted at init. Any missing is a fatal
// init error, per the resources-set routine this is grounded on.
const (
	EnvStepNodes = "SLURM_PMIX_STEP_NODES"
	EnvJobNodes  = "SLURM_PMIX_JOB_NODES"
	EnvTaskMap   = "SLURM_PMIX_TASK_MAP"
	EnvSrunPort  = "SLURM_PMIX_SRUN_PORT"
	EnvJobID     = "SLURM_JOB_ID"
	EnvStepID    = "SLURM_STEP_ID"
	EnvNodeID    = "SLURM_NODEID"

	// DefaultTreeWidth is re-exported from internal/constants for
	// callers that only import this package.
	DefaultTreeWidth = constants.DefaultTreeWidth
)

// Role distinguishes the two initialization paths the original plugin
// exposes: a stepd process (tree member, serves local client ranks) and
// an srun process (tree root, no local ranks of its own).
type Role int

const (
	RoleStepd Role = iota
	RoleSrun
)

func (r Role) String() string {
	if r == RoleSrun {
		return "srun"
	}
	return "stepd"
}

// JobInfo is an immutable snapshot of one node's view of a step.
type JobInfo struct {
	jobID  uint32
	stepID uint32
	nodeID int // this node's index within stepNodes

	stepNodes []string // hostnames in step order; index == node id
	jobNodes  []string // hostnames in job order (superset of stepNodes)

	taskToNode []int // taskToNode[taskID] = node id within stepNodes
	nodeTasks  [][]int

	rendezvousPort int
	role           Role
	treeWidth      int
}

// Load parses environ (in "KEY=VALUE" form, as os.Environ returns) into a
// JobInfo for the given role. Any required variable that is absent is a
// fatal init error.
func Load(environ []string, role Role) (*JobInfo, error) {
	env := splitEnviron(environ)

	jobIDStr, ok := env[EnvJobID]
	if !ok {
		return nil, missingEnv(EnvJobID)
	}
	stepIDStr, ok := env[EnvStepID]
	if !ok {
		return nil, missingEnv(EnvStepID)
	}
	nodeIDStr, ok := env[EnvNodeID]
	if !ok {
		return nil, missingEnv(EnvNodeID)
	}
	stepNodesStr, ok := env[EnvStepNodes]
	if !ok {
		return nil, missingEnv(EnvStepNodes)
	}
	jobNodesStr, ok := env[EnvJobNodes]
	if !ok {
		return nil, missingEnv(EnvJobNodes)
	}
	taskMapStr, ok := env[EnvTaskMap]
	if !ok {
		return nil, missingEnv(EnvTaskMap)
	}
	portStr, ok := env[EnvSrunPort]
	if !ok {
		return nil, missingEnv(EnvSrunPort)
	}

	jobID, err := strconv.ParseUint(jobIDStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("jobinfo: invalid %s: %w", EnvJobID, err)
	}
	stepID, err := strconv.ParseUint(stepIDStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("jobinfo: invalid %s: %w", EnvStepID, err)
	}
	nodeID, err := strconv.Atoi(nodeIDStr)
	if err != nil {
		return nil, fmt.Errorf("jobinfo: invalid %s: %w", EnvNodeID, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("jobinfo: invalid %s: %w", EnvSrunPort, err)
	}

	stepNodes := splitHostlist(stepNodesStr)
	jobNodes := splitHostlist(jobNodesStr)
	if nodeID < 0 || nodeID >= len(stepNodes) {
		return nil, fmt.Errorf("jobinfo: node id %d out of range for %d step nodes", nodeID, len(stepNodes))
	}

	taskToNode, err := parseTaskMap(taskMapStr, len(stepNodes))
	if err != nil {
		return nil, err
	}

	nodeTasks := make([][]int, len(stepNodes))
	for task, node := range taskToNode {
		nodeTasks[node] = append(nodeTasks[node], task)
	}

	return &JobInfo{
		jobID:          uint32(jobID),
		stepID:         uint32(stepID),
		nodeID:         nodeID,
		stepNodes:      stepNodes,
		jobNodes:       jobNodes,
		taskToNode:     taskToNode,
		nodeTasks:      nodeTasks,
		rendezvousPort: port,
		role:           role,
		treeWidth:      DefaultTreeWidth,
	}, nil
}

func missingEnv(name string) error {
	return fmt.Errorf("jobinfo: required environment variable %s not set", name)
}

func splitEnviron(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// splitHostlist parses a comma-separated hostname list. The real plugin
// expands Slurm's compressed hostlist ranges (e.g. "node[1-4]"); that
// expansion is launcher-side hostlist-library behavior out of scope here
// (spec's host-environment-discovery exclusion), so this accepts the
// already-expanded, comma-separated form.
func splitHostlist(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseTaskMap parses a comma-separated list of node indices, one per
// global task id in rank order, matching the packed mapping string the
// original plugin stores verbatim in task_map_packed.
func parseTaskMap(s string, nNodes int) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("jobinfo: empty task map")
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("jobinfo: invalid task map entry %q: %w", p, err)
		}
		if n < 0 || n >= nNodes {
			return nil, fmt.Errorf("jobinfo: task map entry %d out of range for %d nodes", n, nNodes)
		}
		out[i] = n
	}
	return out, nil
}

// JobID returns the Slurm job id.
func (j *JobInfo) JobID() uint32 { return j.jobID }

// StepID returns the Slurm step id.
func (j *JobInfo) StepID() uint32 { return j.stepID }

// NodeID returns this node's index within the step's node list.
func (j *JobInfo) NodeID() int { return j.nodeID }

// NNodes returns the number of nodes participating in the step.
func (j *JobInfo) NNodes() int { return len(j.stepNodes) }

// NTasks returns the total number of tasks across the step.
func (j *JobInfo) NTasks() int { return len(j.taskToNode) }

// LocalTasks returns the global task ids running on this node.
func (j *JobInfo) LocalTasks() []int {
	return j.nodeTasks[j.nodeID]
}

// TaskNode returns the node id hosting taskID.
func (j *JobInfo) TaskNode(taskID int) int {
	return j.taskToNode[taskID]
}

// LocalID returns taskID's position within this node's own local task
// list (pmixp_info_lid2gid's translation, despite its name, runs this
// direction: global task id to a per-node local slot). ok is false if
// taskID is not local to this node.
func (j *JobInfo) LocalID(taskID int) (localID int, ok bool) {
	for i, t := range j.nodeTasks[j.nodeID] {
		if t == taskID {
			return i, true
		}
	}
	return -1, false
}

// GlobalID is LocalID's inverse: it returns the global task id running
// at local position localID on this node (pmixp_info_task_id).
func (j *JobInfo) GlobalID(localID int) int {
	return j.nodeTasks[j.nodeID][localID]
}

// Hostname returns the hostname of the node at the given step-local id.
func (j *JobInfo) Hostname(nodeID int) string {
	return j.stepNodes[nodeID]
}

// Role returns whether this process is a stepd tree member or the srun
// tree root.
func (j *JobInfo) Role() Role { return j.role }

// RendezvousPort returns the srun rendezvous port announced at launch.
func (j *JobInfo) RendezvousPort() int { return j.rendezvousPort }

// Namespace returns the PMIx namespace string for this job step,
// following the original's nspace template.
func (j *JobInfo) Namespace() string {
	return fmt.Sprintf("slurm.pmix.%d.%d", j.jobID, j.stepID)
}

// SockPath returns the deterministic UNIX socket path for role. Stepd
// serves local client ranks on the client path; both stepd and srun
// exchange tree traffic on the tree path.
func (j *JobInfo) SockPath(role Role) string {
	switch role {
	case RoleStepd:
		return fmt.Sprintf("/tmp/pmix-cli-%d.%d.sock", j.jobID, j.stepID)
	default:
		return fmt.Sprintf("/tmp/pmix-tree-%d.%d.sock", j.jobID, j.stepID)
	}
}

// TreeWidth returns the fan-out width used to build the reverse
// collective tree.
func (j *JobInfo) TreeWidth() int { return j.treeWidth }

// WithTreeWidth returns a copy of j with its tree width overridden. Used
// by tests and by deployments that tune fan-out away from the default.
func (j *JobInfo) WithTreeWidth(width int) *JobInfo {
	cp := *j
	cp.treeWidth = width
	return &cp
}
