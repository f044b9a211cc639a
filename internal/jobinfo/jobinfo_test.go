package jobinfo

import "testing"

func fakeEnviron() []string {
	return []string{
		"SLURM_JOB_ID=1001",
		"SLURM_STEP_ID=0",
		"SLURM_NODEID=1",
		"SLURM_PMIX_STEP_NODES=node0,node1,node2",
		"SLURM_PMIX_JOB_NODES=node0,node1,node2,node3",
		"SLURM_PMIX_TASK_MAP=0,0,1,1,2",
		"SLURM_PMIX_SRUN_PORT=34567",
		"PATH=/usr/bin",
	}
}

func TestLoadParsesAllFields(t *testing.T) {
	ji, err := Load(fakeEnviron(), RoleStepd)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ji.JobID() != 1001 {
		t.Errorf("JobID() = %d, want 1001", ji.JobID())
	}
	if ji.NodeID() != 1 {
		t.Errorf("NodeID() = %d, want 1", ji.NodeID())
	}
	if ji.NNodes() != 3 {
		t.Errorf("NNodes() = %d, want 3", ji.NNodes())
	}
	if ji.NTasks() != 5 {
		t.Errorf("NTasks() = %d, want 5", ji.NTasks())
	}
	if ji.RendezvousPort() != 34567 {
		t.Errorf("RendezvousPort() = %d, want 34567", ji.RendezvousPort())
	}
	if ji.Role() != RoleStepd {
		t.Errorf("Role() = %v, want RoleStepd", ji.Role())
	}
}

func TestLoadLocalTasks(t *testing.T) {
	ji, err := Load(fakeEnviron(), RoleStepd)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	local := ji.LocalTasks()
	if len(local) != 2 || local[0] != 2 || local[1] != 3 {
		t.Errorf("LocalTasks() = %v, want [2 3]", local)
	}
}

func TestLoadMissingEnvFails(t *testing.T) {
	environ := fakeEnviron()
	var trimmed []string
	for _, kv := range environ {
		if len(kv) >= len(EnvSrunPort) && kv[:len(EnvSrunPort)] == EnvSrunPort {
			continue
		}
		trimmed = append(trimmed, kv)
	}
	if _, err := Load(trimmed, RoleStepd); err == nil {
		t.Fatal("Load() with missing rendezvous port: want error, got nil")
	}
}

func TestLoadRejectsOutOfRangeNodeID(t *testing.T) {
	environ := append([]string{}, fakeEnviron()...)
	for i, kv := range environ {
		if kv == "SLURM_NODEID=1" {
			environ[i] = "SLURM_NODEID=9"
		}
	}
	if _, err := Load(environ, RoleStepd); err == nil {
		t.Fatal("Load() with out-of-range node id: want error, got nil")
	}
}

func TestNamespaceAndSockPath(t *testing.T) {
	ji, err := Load(fakeEnviron(), RoleStepd)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := "slurm.pmix.1001.0"; ji.Namespace() != want {
		t.Errorf("Namespace() = %q, want %q", ji.Namespace(), want)
	}
	if ji.SockPath(RoleStepd) == ji.SockPath(RoleSrun) {
		t.Error("stepd and srun socket paths should differ")
	}
}
