package executor

import (
	"fmt"

	"github.com/cuenv/cuenv/internal/task"
)

// AuditReport is what a security monitor emits in audit mode: the paths
// and hosts a task touched, and any allow-list violations observed.
type AuditReport struct {
	AccessedPaths []string
	AccessedHosts []string
	Violations    []string
	Monitored     bool
}

// Enforcer is the narrow seam between the executor and any
// platform-specific sandboxing. Go's standard library and the portable
// constructs available to this module cannot implement kernel-level
// filesystem/network sandboxing (that needs a platform-specific
// primitive such as Linux namespaces, seccomp, or a macOS sandbox
// profile), so the default enforcer performs the path-allow-list checks
// task.SecurityValidator already supports and otherwise returns an
// honest "not monitored" report rather than a fabricated one.
type Enforcer interface {
	// Enforce validates def's security configuration before the process is
	// spawned, returning an error if a declared working directory or
	// read/write path escapes the configured allow-lists. It does not
	// itself sandbox the running process.
	Enforce(def *task.Definition, validator task.SecurityValidator) error

	// Audit returns a best-effort report for a task run in audit mode.
	Audit(def *task.Definition) AuditReport
}

// DefaultEnforcer is the stub Enforcer used when no platform-specific
// monitor is wired in.
type DefaultEnforcer struct{}

// Enforce checks the task's working directory against the union of its
// ReadOnlyPaths and ReadWritePaths using the SecurityValidator
// collaborator. It returns nil when the task has no Security settings,
// RestrictDisk is off, or both path lists are empty.
func (DefaultEnforcer) Enforce(def *task.Definition, validator task.SecurityValidator) error {
	if def.Security == nil {
		return nil
	}
	if !def.Security.RestrictDisk {
		return nil
	}
	allowed := append(append([]string(nil), def.Security.ReadOnlyPaths...), def.Security.ReadWritePaths...)
	if len(allowed) == 0 {
		return nil
	}
	return validator.ValidatePath(def.WorkingDirectory, allowed)
}

// Audit reports that no platform monitor is attached; the executor still
// records this in the audit log so the absence of enforcement is visible
// rather than silently assumed.
func (DefaultEnforcer) Audit(def *task.Definition) AuditReport {
	return AuditReport{
		Monitored:  false,
		Violations: []string{fmt.Sprintf("no platform security monitor available for task %q; ran unmonitored", def.Name)},
	}
}
