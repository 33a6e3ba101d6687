package protocol

import (
	"bytes"
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader delivers the underlying bytes one byte at a time,
// regardless of how large a buffer the caller offers — it exercises the
// short-read looping in readFull (P2).
type chunkedReader struct {
	data []byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	p[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

// chunkedWriter accepts at most one byte per call, exercising the
// short-write looping in writeFull (P2).
type chunkedWriter struct {
	buf bytes.Buffer
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.buf.WriteByte(p[0])
	return 1, nil
}

// eintrReader returns EINTR for the first N reads, then delegates.
type eintrReader struct {
	remaining int
	r         io.Reader
}

func (e *eintrReader) Read(p []byte) (int, error) {
	if e.remaining > 0 {
		e.remaining--
		return 0, &net_OpErrorLike{err: syscall.EINTR}
	}
	return e.r.Read(p)
}

// net_OpErrorLike mimics the way *net.OpError wraps a syscall.Errno so that
// errors.Is(err, syscall.EINTR) still finds it, without importing net here.
type net_OpErrorLike struct {
	err error
}

func (e *net_OpErrorLike) Error() string { return e.err.Error() }
func (e *net_OpErrorLike) Unwrap() error { return e.err }

func TestSendRecvRoundTrip(t *testing.T) {
	processErr := NewProcessErrorMsg("spawn %q failed: %v", "/nonexistent/xyz", "no such file or directory")

	var processList ProcessListMsg
	processList.Count = 2
	processList.Processes[0] = ProcessListEntry{HostPID: 100, ContainerPID: 7}
	copy(processList.Processes[0].Name[:], "sleep")
	processList.Processes[1] = ProcessListEntry{HostPID: 200, ContainerPID: 200}
	copy(processList.Processes[1].Name[:], "nginx")

	cases := []struct {
		name    string
		msgType Type
		payload interface{}
	}{
		{"Ping", Ping, nil},
		{"Pong", Pong, nil},
		{"ListProcesses", ListProcesses, nil},
		{"Ack", Ack, &AckMsg{RequestID: 42}},
		{"StopProcess", StopProcess, &StopProcessMsg{PID: 1234}},
		{"ProcessStopped", ProcessStopped, &ProcessStoppedMsg{PID: 1234}},
		{"ProcessStarted", ProcessStarted, &ProcessStartedMsg{HostPID: 100, ContainerPID: 7}},
		{"ProcessError", ProcessError, &processErr},
		{"ConstraintsApplied", ConstraintsApplied, &ConstraintsAppliedMsg{PID: 55}},
		{"ApplyConstraints", ApplyConstraints, &ApplyConstraintsMsg{PID: 55, MemoryLimit: 64 << 20, CPULimit: 50}},
		{"ProcessList", ProcessList, &processList},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Send(&buf, tc.msgType, tc.payload))

			got, err := Recv(&buf)
			require.NoError(t, err)
			assert.Equal(t, tc.msgType, got.Type)

			if tc.payload == nil {
				assert.Empty(t, got.Payload)
				return
			}

			switch want := tc.payload.(type) {
			case *AckMsg:
				var out AckMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *StopProcessMsg:
				var out StopProcessMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *ProcessStoppedMsg:
				var out ProcessStoppedMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *ProcessStartedMsg:
				var out ProcessStartedMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *ConstraintsAppliedMsg:
				var out ConstraintsAppliedMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *ApplyConstraintsMsg:
				var out ApplyConstraintsMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			case *ProcessErrorMsg:
				var out ProcessErrorMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, want.ErrorString(), out.ErrorString())
			case *ProcessListMsg:
				var out ProcessListMsg
				require.NoError(t, Decode(got, &out))
				assert.Equal(t, *want, out)
			}
		})
	}
}

func TestProcessListAtMaxCountFitsEnvelope(t *testing.T) {
	var full ProcessListMsg
	full.Count = MaxProcessList
	for i := range full.Processes {
		full.Processes[i] = ProcessListEntry{HostPID: int32(i + 1), ContainerPID: int32(i + 1)}
		copy(full.Processes[i].Name[:], "proc")
	}

	var buf bytes.Buffer
	require.NoError(t, Send(&buf, ProcessList, &full))

	got, err := Recv(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProcessList, got.Type)

	var out ProcessListMsg
	require.NoError(t, Decode(got, &out))
	assert.Equal(t, full, out)
}

func TestStartProcessMsgFixedFields(t *testing.T) {
	m, err := NewStartProcessMsg("/bin/sleep", []string{"2"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Send(&buf, StartProcess, &m))

	got, err := Recv(&buf)
	require.NoError(t, err)

	var out StartProcessMsg
	require.NoError(t, Decode(got, &out))

	assert.Equal(t, "/bin/sleep", out.NameString())
	assert.Equal(t, []string{"2"}, out.ArgStrings())
	assert.EqualValues(t, 1, out.ArgCount)
}

func TestStartProcessMsgTooManyArgs(t *testing.T) {
	args := make([]string, MaxArgs+1)
	_, err := NewStartProcessMsg("x", args)
	assert.Error(t, err)
}

func TestRecvShortReadChunked(t *testing.T) {
	var encoded bytes.Buffer
	require.NoError(t, Send(&encoded, Ping, nil))

	cr := &chunkedReader{data: encoded.Bytes()}
	got, err := Recv(cr)
	require.NoError(t, err)
	assert.Equal(t, Ping, got.Type)
}

func TestSendShortWriteChunked(t *testing.T) {
	cw := &chunkedWriter{}
	require.NoError(t, Send(cw, Pong, nil))

	got, err := Recv(bytes.NewReader(cw.buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, Pong, got.Type)
}

func TestRecvRetriesOnEINTR(t *testing.T) {
	var encoded bytes.Buffer
	require.NoError(t, Send(&encoded, Ping, nil))

	r := &eintrReader{remaining: 3, r: bytes.NewReader(encoded.Bytes())}
	got, err := Recv(r)
	require.NoError(t, err)
	assert.Equal(t, Ping, got.Type)
}

func TestRecvConnectionClosed(t *testing.T) {
	_, err := Recv(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestRecvOversizeEnvelope(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, ProcessError, &ProcessErrorMsg{}))

	raw := buf.Bytes()
	// Corrupt the length field to something far beyond MaxEnvelope.
	raw[4] = 0xff
	raw[5] = 0xff
	raw[6] = 0xff
	raw[7] = 0x7f

	_, err := Recv(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrOversizeEnvelope)
}
