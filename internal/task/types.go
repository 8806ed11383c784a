// Package task normalizes user task configuration into validated
// task definitions and resolves their dependency DAG into execution
// levels.
package task

import "time"

// AllowedShells is the fixed allow-list task builder validates shell
// against.
var AllowedShells = map[string]bool{
	"sh":         true,
	"bash":       true,
	"zsh":        true,
	"fish":       true,
	"pwsh":       true,
	"powershell": true,
}

// DefaultTimeout is applied when a task config omits one.
const DefaultTimeout = 60 * time.Second

// ExecutionMode is exactly one of Command or Script.
type ExecutionMode struct {
	Command  string
	Script   string
	IsScript bool
}

// SecurityConfig is a task's optional sandbox/allow-list configuration.
type SecurityConfig struct {
	RestrictDisk    bool
	RestrictNetwork bool
	ReadOnlyPaths   []string
	ReadWritePaths  []string
	AllowedHosts    []string
}

// CacheConfig controls whether a task participates in the action cache and
// which environment variables are visible to its digest.
type CacheConfig struct {
	Enabled   bool
	EnvFilter []string
}

// Definition is the normalized form produced from user config.
type Definition struct {
	Name             string
	Description      string
	Mode             ExecutionMode
	Dependencies     []string
	WorkingDirectory string
	Shell            string
	Inputs           []string
	Outputs          []string
	Security         *SecurityConfig
	Cache            CacheConfig
	Timeout          time.Duration
}

// RawConfig is the arbitrary user configuration a caller supplies for one
// task, before validation.
type RawConfig struct {
	Description      string
	Command          string
	Script           string
	Dependencies     []string
	WorkingDirectory string
	Shell            string
	Inputs           []string
	Outputs          []string
	Security         *SecurityConfig
	CacheEnabled     *bool
	CacheEnvFilter   []string
	Timeout          time.Duration
}
