package protocol

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	toUnixConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		conn, err := net.FileConn(f)
		require.NoError(t, err)
		f.Close()
		uc, ok := conn.(*net.UnixConn)
		require.True(t, ok)
		return uc
	}

	return toUnixConn(fds[0]), toUnixConn(fds[1])
}

func TestSendRecvFD(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "holden-fd-*")
	require.NoError(t, err)
	defer tmp.Close()

	_, err = tmp.WriteString("hello")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- SendFD(a, int(tmp.Fd()))
	}()

	gotFD, err := RecvFD(b)
	require.NoError(t, err)
	defer unix.Close(gotFD)

	require.NoError(t, <-done)

	gotFile := os.NewFile(uintptr(gotFD), "received")
	defer gotFile.Close()

	buf := make([]byte, 5)
	n, err := gotFile.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestRecvFDNoRights(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	go func() {
		a.Write([]byte{fdPayload})
	}()

	_, err := RecvFD(b)
	require.Error(t, err)
}
