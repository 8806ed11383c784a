// Package action implements the action cache: ActionDigest computation and
// single-flight deduplication of concurrent task executions.
package action

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode is the kind of command a task runs.
type ExecutionMode struct {
	Kind   string // "command" or "script"
	Script string
}

// SecurityConfig is the sandbox/allow-list portion of a task definition
// that participates in the digest.
type SecurityConfig struct {
	RestrictDisk    bool
	RestrictNetwork bool
	ReadOnlyPaths   []string
	ReadWritePaths  []string
	AllowedHosts    []string
}

// DigestInput is everything that participates in an ActionDigest: the
// task name, execution mode kind and script, dependency names in order,
// working directory, declared inputs and outputs, shell, timeout,
// security config, and the environment pairs the task's env filter
// admits.
type DigestInput struct {
	TaskName         string
	Mode             ExecutionMode
	Dependencies     []string
	WorkingDirectory string
	Inputs           []string
	Outputs          []string
	Env              map[string]string
	Shell            string
	Timeout          time.Duration
	Security         SecurityConfig
}

// Digest is a stable hash identifying a DigestInput; it is the cache key
// for ActionResults.
type Digest string

// Compute returns the canonical Digest of in. Environment pairs and the
// security path and host lists are sorted here so the encoding does not
// depend on map iteration or list order; dependencies, inputs and outputs
// are encoded in the order given.
func Compute(in DigestInput) Digest {
	var b strings.Builder

	write := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}

	write(in.TaskName)
	write(in.Mode.Kind)
	write(in.Mode.Script)

	deps := append([]string(nil), in.Dependencies...)
	write(strconv.Itoa(len(deps)))
	for _, d := range deps {
		write(d)
	}

	write(in.WorkingDirectory)

	write(strconv.Itoa(len(in.Inputs)))
	for _, p := range in.Inputs {
		write(p)
	}
	write(strconv.Itoa(len(in.Outputs)))
	for _, p := range in.Outputs {
		write(p)
	}

	envKeys := make([]string, 0, len(in.Env))
	for k := range in.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	write(strconv.Itoa(len(envKeys)))
	for _, k := range envKeys {
		write(k)
		write(in.Env[k])
	}

	write(in.Shell)
	write(in.Timeout.String())

	write(strconv.FormatBool(in.Security.RestrictDisk))
	write(strconv.FormatBool(in.Security.RestrictNetwork))

	roPaths := append([]string(nil), in.Security.ReadOnlyPaths...)
	sort.Strings(roPaths)
	write(strconv.Itoa(len(roPaths)))
	for _, p := range roPaths {
		write(p)
	}

	rwPaths := append([]string(nil), in.Security.ReadWritePaths...)
	sort.Strings(rwPaths)
	write(strconv.Itoa(len(rwPaths)))
	for _, p := range rwPaths {
		write(p)
	}

	hosts := append([]string(nil), in.Security.AllowedHosts...)
	sort.Strings(hosts)
	write(strconv.Itoa(len(hosts)))
	for _, h := range hosts {
		write(h)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Digest(hex.EncodeToString(sum[:]))
}

// CacheKey returns the unified-cache key under which this digest's
// ActionResult is stored.
func (d Digest) CacheKey() string {
	return fmt.Sprintf("action:%s", string(d))
}
