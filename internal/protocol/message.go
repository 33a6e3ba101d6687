// Package protocol implements the Holden wire format: a fixed, native-endian
// framed message exchanged over a Unix domain stream socket between a
// controller (or orchestrator) and the agent.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Type identifies the payload variant that follows a Header.
type Type uint32

const (
	StartProcess Type = iota + 1
	ProcessStarted
	ProcessError
	Ack
	ListProcesses
	ProcessList
	StopProcess
	ProcessStopped
	ApplyConstraints
	ConstraintsApplied
	Ping
	Pong
)

func (t Type) String() string {
	switch t {
	case StartProcess:
		return "StartProcess"
	case ProcessStarted:
		return "ProcessStarted"
	case ProcessError:
		return "ProcessError"
	case Ack:
		return "Ack"
	case ListProcesses:
		return "ListProcesses"
	case ProcessList:
		return "ProcessList"
	case StopProcess:
		return "StopProcess"
	case ProcessStopped:
		return "ProcessStopped"
	case ApplyConstraints:
		return "ApplyConstraints"
	case ConstraintsApplied:
		return "ConstraintsApplied"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

const (
	MaxProcessName = 256
	MaxArgs        = 32
	MaxArgLen      = 256
	MaxErrorMsg    = 512
	MaxProcessList = 64

	headerSize = 8 // type:u32 + length:u32
)

// MaxEnvelope bounds the payload a recv_message is willing to read. The
// biggest variant is ProcessList (Count plus MaxProcessList entries of
// host_pid+container_pid+name), not StartProcess, so this is derived
// directly from ProcessListMsg's encoded size rather than hand-computed.
var MaxEnvelope = uint32(binary.Size(ProcessListMsg{}))

// Header is the 8-byte fixed envelope prefix: {type, length}, native-endian.
type Header struct {
	Type   Type
	Length uint32
}

// StartProcessMsg is the payload for a StartProcess request.
type StartProcessMsg struct {
	Name     [MaxProcessName]byte
	Args     [MaxArgs][MaxArgLen]byte
	ArgCount int32
}

// NewStartProcessMsg builds a StartProcessMsg from Go strings, truncating and
// NUL-padding as the fixed layout requires.
func NewStartProcessMsg(name string, args []string) (StartProcessMsg, error) {
	var m StartProcessMsg
	if len(args) > MaxArgs {
		return m, fmt.Errorf("too many args: %d > %d", len(args), MaxArgs)
	}
	putFixedString(m.Name[:], name)
	for i, a := range args {
		putFixedString(m.Args[i][:], a)
	}
	m.ArgCount = int32(len(args))
	return m, nil
}

// NameString returns the NUL-terminated name field as a Go string.
func (m *StartProcessMsg) NameString() string {
	return fixedString(m.Name[:])
}

// ArgStrings returns the first ArgCount entries of Args as Go strings.
func (m *StartProcessMsg) ArgStrings() []string {
	n := int(m.ArgCount)
	if n < 0 {
		n = 0
	}
	if n > MaxArgs {
		n = MaxArgs
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = fixedString(m.Args[i][:])
	}
	return out
}

// ProcessStartedMsg is the payload for a ProcessStarted reply.
type ProcessStartedMsg struct {
	HostPID      int32
	ContainerPID int32
}

// ProcessErrorMsg is the payload for a ProcessError reply.
type ProcessErrorMsg struct {
	Error [MaxErrorMsg]byte
}

// NewProcessErrorMsg builds a ProcessErrorMsg from a Go error/string.
func NewProcessErrorMsg(format string, args ...interface{}) ProcessErrorMsg {
	var m ProcessErrorMsg
	putFixedString(m.Error[:], fmt.Sprintf(format, args...))
	return m
}

// ErrorString returns the NUL-terminated error field as a Go string.
func (m *ProcessErrorMsg) ErrorString() string {
	return fixedString(m.Error[:])
}

// AckMsg is the payload for an Ack.
type AckMsg struct {
	RequestID uint32
}

// StopProcessMsg is the payload for a StopProcess request.
type StopProcessMsg struct {
	PID int32
}

// ProcessStoppedMsg is the payload for a ProcessStopped reply.
type ProcessStoppedMsg struct {
	PID int32
}

// ApplyConstraintsMsg is the payload for an ApplyConstraints request.
type ApplyConstraintsMsg struct {
	PID int32
	// Padding keeps MemoryLimit at offset 8, matching the natural
	// alignment of a uint64 in the equivalent naive struct.
	_           [4]byte
	MemoryLimit uint64
	CPULimit    uint64
}

// ConstraintsAppliedMsg is the payload for a ConstraintsApplied reply.
type ConstraintsAppliedMsg struct {
	PID int32
}

// ProcessListEntry is one row of a ProcessList reply.
type ProcessListEntry struct {
	HostPID      int32
	ContainerPID int32
	Name         [MaxProcessName]byte
}

// NameString returns the NUL-terminated name field as a Go string.
func (e *ProcessListEntry) NameString() string {
	return fixedString(e.Name[:])
}

// ProcessListMsg is the payload for a ProcessList reply.
type ProcessListMsg struct {
	Count     int32
	Processes [MaxProcessList]ProcessListEntry
}

func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := copy(dst[:len(dst)-1], s)
	_ = n
}

func fixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

// byteOrder is the native order used to serialize the fixed-layout wire
// structs. Holden targets Linux/amd64 and Linux/arm64, both little-endian,
// so native-endian and little-endian coincide; we encode explicitly as LE
// rather than relying on unsafe struct aliasing.
var byteOrder = binary.LittleEndian
