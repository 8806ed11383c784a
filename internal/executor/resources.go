package executor

import (
	"fmt"
	"strings"
)

// ResourceLimits are the limits applied before exec: soft/hard CPU
// seconds, soft/hard address-space bytes, and soft/hard file-descriptor
// count.
type ResourceLimits struct {
	CPUSoftSeconds int64
	CPUHardSeconds int64
	MemSoftBytes   int64
	MemHardBytes   int64
	FDSoft         int64
	FDHard         int64
}

// DefaultResourceLimits returns CPU 3600/7200s, memory 4GiB/8GiB, and
// file descriptors 1024/4096.
func DefaultResourceLimits() ResourceLimits {
	const gib = 1 << 30
	return ResourceLimits{
		CPUSoftSeconds: 3600,
		CPUHardSeconds: 7200,
		MemSoftBytes:   4 * gib,
		MemHardBytes:   8 * gib,
		FDSoft:         1024,
		FDHard:         4096,
	}
}

// posixShells are the allow-listed shells that understand the POSIX
// `ulimit` builtin (the shell allow-list minus pwsh/powershell).
var posixShells = map[string]bool{
	"sh":   true,
	"bash": true,
	"zsh":  true,
	"fish": true,
}

// ulimitPrefix renders limits as a sequence of `ulimit` invocations that a
// POSIX shell runs before the task's own command. Go's os/exec has no
// portable way to set rlimits on a child process before it execs; running
// `ulimit` inside the same shell invocation that runs the task applies
// them at the same point, and each invocation is individually redirected
// to /dev/null so one unsupported limit does not abort the child.
func ulimitPrefix(shell string, limits ResourceLimits) string {
	if !posixShells[shell] {
		return ""
	}

	memSoftKB := limits.MemSoftBytes / 1024
	memHardKB := limits.MemHardBytes / 1024

	var b strings.Builder
	writeLimit := func(flag string, hard, soft int64) {
		fmt.Fprintf(&b, "ulimit -H %s %d >/dev/null 2>&1; ulimit -S %s %d >/dev/null 2>&1; ", flag, hard, flag, soft)
	}
	writeLimit("-t", limits.CPUHardSeconds, limits.CPUSoftSeconds)
	writeLimit("-v", memHardKB, memSoftKB)
	writeLimit("-n", limits.FDHard, limits.FDSoft)
	return b.String()
}

// wrapWithLimits prefixes script with shell's ulimit invocations, or
// returns script unchanged for shells (pwsh, powershell) that don't
// support ulimit.
func wrapWithLimits(shell, script string, limits ResourceLimits) string {
	prefix := ulimitPrefix(shell, limits)
	if prefix == "" {
		return script
	}
	return prefix + script
}
