package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseInput() DigestInput {
	return DigestInput{
		TaskName:         "build",
		Mode:             ExecutionMode{Kind: "command", Script: "go build ./..."},
		Dependencies:     []string{"compile", "lint"},
		WorkingDirectory: "/repo/app",
		Inputs:           []string{"src/**/*.go"},
		Outputs:          []string{"bin/app"},
		Env:              map[string]string{"FOO": "1", "BAR": "2"},
		Shell:            "bash",
		Timeout:          60 * time.Second,
		Security:         SecurityConfig{RestrictDisk: true, ReadOnlyPaths: []string{"/repo"}},
	}
}

func TestComputeIsStableAcrossIdenticalInputs(t *testing.T) {
	a := Compute(baseInput())
	b := Compute(baseInput())
	assert.Equal(t, a, b)
}

func TestComputeIsStableUnderEnvKeyReordering(t *testing.T) {
	in1 := baseInput()
	in1.Env = map[string]string{"FOO": "1", "BAR": "2"}

	in2 := baseInput()
	in2.Env = map[string]string{"BAR": "2", "FOO": "1"}

	assert.Equal(t, Compute(in1), Compute(in2))
}

func TestComputeChangesWithAnyDigestField(t *testing.T) {
	base := Compute(baseInput())

	variants := []func(*DigestInput){
		func(in *DigestInput) { in.TaskName = "other" },
		func(in *DigestInput) { in.Mode.Script = "go vet ./..." },
		func(in *DigestInput) { in.Dependencies = append(in.Dependencies, "extra") },
		func(in *DigestInput) { in.WorkingDirectory = "/repo/other" },
		func(in *DigestInput) { in.Inputs = []string{"src/main.go"} },
		func(in *DigestInput) { in.Outputs = append(in.Outputs, "bin/app.debug") },
		func(in *DigestInput) { in.Env["FOO"] = "changed" },
		func(in *DigestInput) { in.Shell = "zsh" },
		func(in *DigestInput) { in.Timeout = 2 * time.Minute },
		func(in *DigestInput) { in.Security.RestrictNetwork = true },
	}

	for _, mutate := range variants {
		in := baseInput()
		mutate(&in)
		assert.NotEqual(t, base, Compute(in))
	}
}

func TestCacheKeyIsPrefixed(t *testing.T) {
	d := Compute(baseInput())
	assert.Contains(t, d.CacheKey(), "action:")
}
