package cgroup

const (
	basePath    = "/sys/fs/cgroup"
	cgroupProcs = "cgroup.procs"
	tasksV1     = "tasks"

	cgroupSubtreeControl = "cgroup.subtree_control"

	filePerm     = 0644
	sealedPerm   = 0444
	dirPerm      = 0755

	memoryController = "memory"
	pidsController   = "pids"

	omegajailRoot = "omegajail"
)

// Type identifies which cgroup hierarchy this host runs.
type Type int

const (
	TypeV1 Type = iota + 1
	TypeV2
)

func (t Type) String() string {
	switch t {
	case TypeV1:
		return "v1"
	case TypeV2:
		return "v2"
	default:
		return "invalid"
	}
}
