package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// ErrConnectionClosed is returned by Recv when the peer closed the
// connection (a zero-byte read) before the first byte of the header, or
// before the first byte of the payload; a close partway through either is
// reported as an unexpected EOF instead. The agent's connection loop
// treats this as "stop serving this
// connection", not as a failure worth logging.
var ErrConnectionClosed = errors.New("protocol: connection closed by peer")

// ErrOversizeEnvelope is returned by Recv when a header advertises a
// payload length larger than MaxEnvelope. The connection must be dropped;
// the sender is either buggy or hostile.
var ErrOversizeEnvelope = errors.New("protocol: header.length exceeds maximum envelope size")

// Message is a decoded frame: the type from the header, and the raw payload
// bytes (length Header.Length), not yet unmarshaled into a variant struct.
type Message struct {
	Type    Type
	Payload []byte
}

// Send encodes payload (one of the *Msg structs in message.go, or nil for
// the empty-payload variants Ping/Pong/ListProcesses) and writes the full
// frame — header followed by payload — to w in a single buffered write,
// looping over short writes and retrying on EINTR.
func Send(w io.Writer, msgType Type, payload interface{}) error {
	var body bytes.Buffer
	if payload != nil {
		if err := binary.Write(&body, byteOrder, payload); err != nil {
			return pkgerrors.Wrap(err, "protocol: encode payload")
		}
	}
	if body.Len() > int(MaxEnvelope) {
		return pkgerrors.Errorf("protocol: encoded payload %d bytes exceeds max envelope %d", body.Len(), MaxEnvelope)
	}

	var frame bytes.Buffer
	frame.Grow(headerSize + body.Len())
	if err := binary.Write(&frame, byteOrder, Header{Type: msgType, Length: uint32(body.Len())}); err != nil {
		return pkgerrors.Wrap(err, "protocol: encode header")
	}
	frame.Write(body.Bytes())

	if err := writeFull(w, frame.Bytes()); err != nil {
		return pkgerrors.Wrap(err, "protocol: send")
	}
	return nil
}

// Recv reads one full frame from r: the 8-byte header, then Header.Length
// payload bytes. It validates the length against MaxEnvelope before
// performing the second read.
func Recv(r io.Reader) (Message, error) {
	var hdrBuf [headerSize]byte
	if err := readFull(r, hdrBuf[:]); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return Message{}, err
		}
		return Message{}, pkgerrors.Wrap(err, "protocol: recv header")
	}

	var hdr Header
	if err := binary.Read(bytes.NewReader(hdrBuf[:]), byteOrder, &hdr); err != nil {
		return Message{}, pkgerrors.Wrap(err, "protocol: decode header")
	}

	if hdr.Length > MaxEnvelope {
		return Message{}, ErrOversizeEnvelope
	}

	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if err := readFull(r, payload); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return Message{}, err
			}
			return Message{}, pkgerrors.Wrap(err, "protocol: recv payload")
		}
	}

	return Message{Type: hdr.Type, Payload: payload}, nil
}

// Decode unmarshals m.Payload into out, which must be a pointer to one of
// the *Msg structs in message.go.
func Decode(m Message, out interface{}) error {
	if err := binary.Read(bytes.NewReader(m.Payload), byteOrder, out); err != nil {
		return pkgerrors.Wrap(err, "protocol: decode payload")
	}
	return nil
}

// readFull fills buf completely, looping over short reads and retrying on
// EINTR. A zero-byte read before any data has been read is reported as
// ErrConnectionClosed; after partial data it is an unexpected-EOF error.
func readFull(r io.Reader, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return ErrConnectionClosed
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if n == 0 {
			return ErrConnectionClosed
		}
	}
	return nil
}

// writeFull writes buf completely, looping over short writes and retrying
// on EINTR.
func writeFull(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			if isEINTR(err) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
