package procspawn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSpawnTrueExitsCleanly(t *testing.T) {
	res, err := Spawn("/bin/true", nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	defer unix.Close(res.Pidfd)

	assert.Greater(t, res.HostPID, int32(0))

	fds := []unix.PollFd{{Fd: int32(res.Pidfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var ws unix.WaitStatus
	_, err = unix.Wait4(int(res.HostPID), &ws, 0, nil)
	require.NoError(t, err)
	assert.True(t, ws.Exited())
	assert.Equal(t, 0, ws.ExitStatus())
}

func TestSpawnNonexistentCommandFails(t *testing.T) {
	_, err := Spawn("/nonexistent/xyz", nil)
	assert.Error(t, err)
}

func TestSpawnResolvesRelativeNameOnPath(t *testing.T) {
	res, err := Spawn("true", nil)
	require.NoError(t, err)
	defer unix.Close(res.Pidfd)

	fds := []unix.PollFd{{Fd: int32(res.Pidfd), Events: unix.POLLIN}}
	_, err = unix.Poll(fds, 2000)
	require.NoError(t, err)
	_, _ = unix.Wait4(int(res.HostPID), nil, 0, nil)
}

func TestSpawnUnknownRelativeNameFails(t *testing.T) {
	_, err := Spawn("this-binary-does-not-exist-anywhere", nil)
	assert.Error(t, err)
}

func TestSpawnSleepIsStillRunningImmediatelyAfter(t *testing.T) {
	res, err := Spawn("/bin/sleep", []string{"0.3"})
	require.NoError(t, err)
	defer unix.Close(res.Pidfd)

	fds := []unix.PollFd{{Fd: int32(res.Pidfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sleep should not have exited yet")

	time.Sleep(500 * time.Millisecond)
	n, err = unix.Poll(fds, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "sleep should have exited by now")
	_, _ = unix.Wait4(int(res.HostPID), nil, 0, nil)
}
