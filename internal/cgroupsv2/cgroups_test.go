package cgroupsv2

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestController points a Controller at a throwaway directory standing
// in for /sys/fs/cgroup/orchestrator. seedControlFiles below pre-creates
// the control files real cgroup v2 would provide (cgroup.procs,
// memory.max, cpu.weight) so writeDecimal has something to open.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	root := t.TempDir()
	return &Controller{ParentPath: root}
}

func seedControlFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range []string{"cgroup.procs", "memory.max", "cpu.weight"} {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		f.Close()
	}
}

func TestCreateProcessCgroupWritesPID(t *testing.T) {
	c := newTestController(t)
	dir := filepath.Join(c.ParentPath, "proc_4242")
	seedControlFiles(t, dir)

	require.NoError(t, c.CreateProcessCgroup(4242))

	got, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "4242", string(got))
}

func TestApplyMemoryLimit(t *testing.T) {
	c := newTestController(t)
	dir := filepath.Join(c.ParentPath, "proc_99")
	seedControlFiles(t, dir)

	require.NoError(t, c.ApplyMemoryLimit(99, 64<<20))

	got, err := os.ReadFile(filepath.Join(dir, "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "67108864", string(got))
}

func TestApplyCPULimitClampsAndScales(t *testing.T) {
	cases := []struct {
		percent uint64
		want    string
	}{
		{0, "0"},
		{50, "5000"},
		{100, "10000"},
		{150, "10000"}, // clamped
	}

	for _, tc := range cases {
		c := newTestController(t)
		dir := filepath.Join(c.ParentPath, "proc_7")
		seedControlFiles(t, dir)

		require.NoError(t, c.ApplyCPULimit(7, tc.percent))

		got, err := os.ReadFile(filepath.Join(dir, "cpu.weight"))
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}
}

func TestCleanupProcessCgroupIsIdempotent(t *testing.T) {
	c := newTestController(t)
	dir := filepath.Join(c.ParentPath, "proc_1")
	// A plain empty directory: unlike cgroupfs, a regular filesystem
	// refuses rmdir while the seeded control files are still inside.
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, c.CleanupProcessCgroup(1))
	assert.NoDirExists(t, dir)

	// Cleaning up again must not error even though the dir is already gone.
	require.NoError(t, c.CleanupProcessCgroup(1))
}

func TestProcessCgroupPathRejectsEscape(t *testing.T) {
	c := newTestController(t)
	// pid is always formatted via %d so it cannot itself carry "..", but
	// verify SecureJoin keeps the resolved path rooted under ParentPath.
	path, err := c.processCgroupPath(123)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, c.ParentPath))
}
