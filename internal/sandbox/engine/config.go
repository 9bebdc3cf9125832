package engine

import "time"

// Config controls sandbox engine behavior.
type Config struct {
	// CgroupRoot is the cgroup v2 directory run cgroups are created under.
	CgroupRoot string
	// HelperPath is the runner-init binary that sets up the mount view
	// inside the namespace and execs the command.
	HelperPath string
	// GracePeriod is how long the tree gets between SIGTERM and SIGKILL.
	GracePeriod      time.Duration
	EnableCgroup     bool
	EnableNamespaces bool
}

const defaultGracePeriod = 5 * time.Second
