// Package nspid resolves the deepest-nested PID-namespace PID for a host
// PID by parsing /proc/<pid>/status, mirroring get_container_pid in the
// original agent.c.
package nspid

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Resolve returns the innermost-namespace PID for hostPID as reported by
// the kernel's NSpid line in /proc/<hostPID>/status. Any failure to open,
// read, or parse the file — including the process having already exited —
// returns hostPID unchanged, never an error: the caller cannot distinguish
// "no namespace" from "couldn't tell", and the original falls back to the
// host PID in both cases.
func Resolve(hostPID int32) int32 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", hostPID))
	if err != nil {
		return hostPID
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "NSpid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "NSpid:"))
		if len(fields) == 0 {
			return hostPID
		}
		// The innermost namespace's PID is the last token.
		last, err := strconv.ParseInt(fields[len(fields)-1], 10, 32)
		if err != nil {
			return hostPID
		}
		return int32(last)
	}

	return hostPID
}
