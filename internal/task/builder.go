package task

import (
	"path/filepath"
	"strings"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// SecurityValidator validates shells, scripts, arguments, and paths
// before a task runs. It is normally supplied by the embedding
// application; DefaultValidator below is a conservative in-core
// fallback.
type SecurityValidator interface {
	ValidateCommand(shell string, allowedShells map[string]bool) error
	ValidateShellExpansion(script string) error
	ValidateCommandArgs(args []string) error
	ValidatePath(path string, allowedRoots []string) error
}

// DefaultValidator implements SecurityValidator with the dangerous-
// expansion checks applied when no external validator is supplied.
type DefaultValidator struct{}

// dangerousExpansions is the small set of shell constructs the builder
// rejects outright before execution.
var dangerousExpansions = []string{
	":(){ :|:& };:", // fork bomb
	"rm -rf /",
	"> /dev/sda",
	"mkfs.",
}

func (DefaultValidator) ValidateCommand(shell string, allowedShells map[string]bool) error {
	if !allowedShells[shell] {
		return cueerrors.New(cueerrors.CodeInvalidKey, "shell is not in the allow-list").
			WithComponent("task").WithOperation("validate_command").WithDetail("shell", shell)
	}
	return nil
}

func (DefaultValidator) ValidateShellExpansion(script string) error {
	for _, pattern := range dangerousExpansions {
		if strings.Contains(script, pattern) {
			return cueerrors.New(cueerrors.CodeInvalidKey, "script contains a disallowed expansion").
				WithComponent("task").WithOperation("validate_shell_expansion").WithDetail("pattern", pattern)
		}
	}
	return nil
}

func (DefaultValidator) ValidateCommandArgs(args []string) error {
	return nil
}

func (DefaultValidator) ValidatePath(path string, allowedRoots []string) error {
	if len(allowedRoots) == 0 {
		return nil
	}
	clean := filepath.Clean(path)
	for _, root := range allowedRoots {
		if strings.HasPrefix(clean, filepath.Clean(root)) {
			return nil
		}
	}
	return cueerrors.New(cueerrors.CodeInvalidKey, "path escapes allowed roots").
		WithComponent("task").WithOperation("validate_path").WithDetail("path", path)
}

// Registry resolves package-qualified dependency names in a monorepo.
// It is an external collaborator; a nil Registry means dependency
// references are resolved only within the task map passed to Build.
type Registry interface {
	// Resolve reports whether name exists as a package-qualified task.
	Resolve(name string) bool
}

// Builder normalizes RawConfig entries into validated Definitions.
type Builder struct {
	Validator SecurityValidator
	Registry  Registry
}

// NewBuilder constructs a Builder with DefaultValidator and no registry.
func NewBuilder() *Builder {
	return &Builder{Validator: DefaultValidator{}}
}

// Build normalizes every entry in configs (task name -> raw config) into
// Definitions, or returns the first validation error encountered.
func (b *Builder) Build(configs map[string]RawConfig, packagePath string) (map[string]*Definition, error) {
	validator := b.Validator
	if validator == nil {
		validator = DefaultValidator{}
	}

	defs := make(map[string]*Definition, len(configs))
	for name, raw := range configs {
		def, err := b.buildOne(name, raw, packagePath, validator)
		if err != nil {
			return nil, err
		}
		defs[name] = def
	}

	for name, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := defs[dep]; ok {
				continue
			}
			if b.Registry != nil && b.Registry.Resolve(dep) {
				continue
			}
			return nil, cueerrors.New(cueerrors.CodeInvalidKey, "dependency does not resolve to a known task").
				WithComponent("task").WithOperation("build").
				WithDetail("task", name).WithDetail("dependency", dep)
		}
	}

	return defs, nil
}

func (b *Builder) buildOne(name string, raw RawConfig, packagePath string, validator SecurityValidator) (*Definition, error) {
	hasCommand := raw.Command != ""
	hasScript := raw.Script != ""
	if hasCommand == hasScript {
		return nil, cueerrors.New(cueerrors.CodeInvalidKey, "exactly one of command or script must be set").
			WithComponent("task").WithOperation("build").WithDetail("task", name)
	}

	shell := raw.Shell
	if shell == "" {
		shell = "sh"
	}
	if err := validator.ValidateCommand(shell, AllowedShells); err != nil {
		return nil, err
	}

	mode := ExecutionMode{Command: raw.Command}
	script := raw.Command
	if hasScript {
		mode = ExecutionMode{Script: raw.Script, IsScript: true}
		script = raw.Script
	}
	if err := validator.ValidateShellExpansion(script); err != nil {
		return nil, err
	}

	workingDir := raw.WorkingDirectory
	if workingDir == "" {
		workingDir = packagePath
	} else if !filepath.IsAbs(workingDir) {
		workingDir = filepath.Join(packagePath, workingDir)
	}

	timeout := raw.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cacheEnabled := true
	if raw.CacheEnabled != nil {
		cacheEnabled = *raw.CacheEnabled
	}

	return &Definition{
		Name:             name,
		Description:      raw.Description,
		Mode:             mode,
		Dependencies:     append([]string(nil), raw.Dependencies...),
		WorkingDirectory: workingDir,
		Shell:            shell,
		Inputs:           append([]string(nil), raw.Inputs...),
		Outputs:          append([]string(nil), raw.Outputs...),
		Security:         raw.Security,
		Cache:            CacheConfig{Enabled: cacheEnabled, EnvFilter: append([]string(nil), raw.CacheEnvFilter...)},
		Timeout:          timeout,
	}, nil
}
