package protocol

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// ErrNoFileRights is returned by RecvFD when the peer's message carried no
// SCM_RIGHTS ancillary data, or more/less than one descriptor.
var ErrNoFileRights = errors.New("protocol: no single SCM_RIGHTS fd in message")

// fdPayload is the single mandatory byte sent alongside SCM_RIGHTS: the
// kernel will not deliver ancillary data for a message with zero ordinary
// bytes.
const fdPayload = 'x'

// SendFD sends fd as SCM_RIGHTS ancillary data over conn, accompanied by the
// mandatory one-byte payload. The caller retains ownership of fd and must
// close its own copy after this call returns, successful or not — the
// kernel duplicates the descriptor into the receiver's fd table.
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix([]byte{fdPayload}, rights, nil)
	if err != nil {
		return err
	}
	if n != 1 || oobn != len(rights) {
		return errors.New("protocol: short write sending fd")
	}
	return nil
}

// RecvFD receives one byte and up to one SCM_RIGHTS ancillary record from
// conn, returning the extracted, freshly-allocated file descriptor. The
// caller owns the returned descriptor and is responsible for closing it.
func RecvFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}
	if n != 1 {
		return -1, errors.New("protocol: short read receiving fd")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	if len(msgs) != 1 {
		return -1, ErrNoFileRights
	}
	if msgs[0].Header.Level != unix.SOL_SOCKET || int(msgs[0].Header.Type) != unix.SCM_RIGHTS {
		return -1, ErrNoFileRights
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(fds) != 1 {
		return -1, ErrNoFileRights
	}

	return fds[0], nil
}
