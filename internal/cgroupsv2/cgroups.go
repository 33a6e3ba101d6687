// Package cgroupsv2 creates and writes per-PID cgroup v2 sub-hierarchies
// under a shared parent cgroup, mirroring cgroups.c/cgroups.h from the
// original orchestrator: a directory per managed PID, with cgroup.procs,
// memory.max and cpu.weight written as decimal strings.
package cgroupsv2

import (
	"fmt"
	"os"
	"strconv"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/mountinfo"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultParentPath is the compile-time default cgroup v2 parent,
// overridable via HOLDEN_CGROUP_ROOT.
const DefaultParentPath = "/sys/fs/cgroup/orchestrator"

// Controller creates and writes per-PID cgroup v2 subgroups rooted at
// ParentPath.
type Controller struct {
	ParentPath string
	log        logrus.FieldLogger
}

// New returns a Controller rooted at parentPath. If parentPath is empty,
// DefaultParentPath is used.
func New(parentPath string, log logrus.FieldLogger) *Controller {
	if parentPath == "" {
		parentPath = DefaultParentPath
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{ParentPath: parentPath, log: log}
}

// Init idempotently creates the parent directory. Absence of a cgroup v2
// mount at /sys/fs/cgroup is logged as a warning, not returned as an error:
// per §4.3, apply-constraints calls fail individually afterwards rather
// than the whole agent refusing to start.
func (c *Controller) Init() error {
	if err := checkCgroup2Mounted(); err != nil {
		c.log.WithError(err).Warn("cgroup v2 does not appear to be mounted; constraints will fail until it is")
	}

	if err := createDirIfNotExists(c.ParentPath, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "cgroupsv2: create parent cgroup %s", c.ParentPath)
	}
	return nil
}

// checkCgroup2Mounted looks for a cgroup2 filesystem mounted at
// /sys/fs/cgroup using mountinfo, turning a missing or v1-only mount into
// an actionable error message instead of a confusing later write failure.
func checkCgroup2Mounted() error {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter("/sys/fs/cgroup"))
	if err != nil {
		return pkgerrors.Wrap(err, "reading mount table")
	}
	for _, m := range mounts {
		if m.FSType == "cgroup2" {
			return nil
		}
	}
	return fmt.Errorf("no cgroup2 filesystem mounted at /sys/fs/cgroup")
}

// processCgroupPath returns the per-PID cgroup directory, securely joined
// under ParentPath so a pathologically-constructed pid can never escape
// the parent via "..".
func (c *Controller) processCgroupPath(pid int32) (string, error) {
	return securejoin.SecureJoin(c.ParentPath, fmt.Sprintf("proc_%d", pid))
}

// CreateProcessCgroup creates ⟨parent⟩/proc_⟨pid⟩/ if absent and writes pid
// into its cgroup.procs.
func (c *Controller) CreateProcessCgroup(pid int32) error {
	dir, err := c.processCgroupPath(pid)
	if err != nil {
		return pkgerrors.Wrap(err, "cgroupsv2: resolve process cgroup path")
	}
	if err := createDirIfNotExists(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "cgroupsv2: create process cgroup dir %s", dir)
	}
	return c.addProcessToCgroup(dir, pid)
}

func (c *Controller) addProcessToCgroup(dir string, pid int32) error {
	path := dir + "/cgroup.procs"
	if err := writeDecimal(path, int64(pid)); err != nil {
		return pkgerrors.Wrapf(err, "cgroupsv2: write %s", path)
	}
	return nil
}

// ApplyMemoryLimit writes the decimal byte count to memory.max. Callers
// must skip calling this when bytes == 0 ("not requested").
func (c *Controller) ApplyMemoryLimit(pid int32, bytes uint64) error {
	dir, err := c.processCgroupPath(pid)
	if err != nil {
		return pkgerrors.Wrap(err, "cgroupsv2: resolve process cgroup path")
	}
	path := dir + "/memory.max"
	if err := writeDecimal(path, int64(bytes)); err != nil {
		return pkgerrors.Wrapf(err, "cgroupsv2: write %s", path)
	}
	return nil
}

// ApplyCPULimit clamps percent to [0,100], translates it to cpu.weight in
// [0,10000] (percent*10000/100) and writes the decimal value. Callers must
// skip calling this when percent == 0 ("not requested").
func (c *Controller) ApplyCPULimit(pid int32, percent uint64) error {
	if percent > 100 {
		percent = 100
	}
	weight := (percent * 10000) / 100

	dir, err := c.processCgroupPath(pid)
	if err != nil {
		return pkgerrors.Wrap(err, "cgroupsv2: resolve process cgroup path")
	}
	path := dir + "/cpu.weight"
	if err := writeDecimal(path, int64(weight)); err != nil {
		return pkgerrors.Wrapf(err, "cgroupsv2: write %s", path)
	}
	return nil
}

// CleanupProcessCgroup removes ⟨parent⟩/proc_⟨pid⟩/. It is not called
// automatically by the agent unless started with --reap-cgroups.
func (c *Controller) CleanupProcessCgroup(pid int32) error {
	dir, err := c.processCgroupPath(pid)
	if err != nil {
		return pkgerrors.Wrap(err, "cgroupsv2: resolve process cgroup path")
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "cgroupsv2: rmdir %s", dir)
	}
	return nil
}

func createDirIfNotExists(path string, mode os.FileMode) error {
	st, err := os.Stat(path)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.Mkdir(path, mode)
}

// writeDecimal opens path O_WRONLY, writes value's decimal representation
// exactly once, and treats a partial write as failure — cgroup control
// files do not accept append-style incremental writes.
func writeDecimal(path string, value int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	s := strconv.FormatInt(value, 10)
	n, err := f.Write([]byte(s))
	if err != nil {
		return err
	}
	if n != len(s) {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(s))
	}
	return nil
}
