// ABOUTME: This file defines how the agent turns claimed task payloads into work.
// Executors are looked up by payload type; the default set covers fact collection,
// shell scripts, and structured command actions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/models"
)

// CommandRunner abstracts command execution so executors are testable
// without spawning real processes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec. This is the default runner.
type ExecRunner struct{}

func (er ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fullCmd := strings.Join(append([]string{name}, args...), " ")
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

// Executor runs one task payload and returns the result document as JSON.
type Executor interface {
	Execute(ctx context.Context, task models.Task) (string, error)
}

// Registry maps payload types to executors.
type Registry struct {
	executors map[models.PayloadType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.PayloadType]Executor)}
}

func (r *Registry) Register(payloadType models.PayloadType, executor Executor) {
	r.executors[payloadType] = executor
}

func (r *Registry) Lookup(payloadType models.PayloadType) (Executor, bool) {
	executor, ok := r.executors[payloadType]
	return executor, ok
}

// DefaultRegistry wires the built-in executors. scriptTimeout bounds
// every spawned process.
func DefaultRegistry(scriptTimeout time.Duration) *Registry {
	registry := NewRegistry()
	runner := ExecRunner{}
	registry.Register(models.PayloadCollectFacts, &FactsExecutor{})
	registry.Register(models.PayloadExecuteScript, &ScriptExecutor{Runner: runner, Timeout: scriptTimeout})
	registry.Register(models.PayloadExecuteAction, &ActionExecutor{Runner: runner, Timeout: scriptTimeout})
	return registry
}

// scriptPayload is the execute_script payload document.
type scriptPayload struct {
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ScriptExecutor runs a shell script through bash -c.
type ScriptExecutor struct {
	Runner  CommandRunner
	Timeout time.Duration
	Shell   string // defaults to bash
}

func (e *ScriptExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload scriptPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("decode script payload: %w", err)
	}
	if strings.TrimSpace(payload.Script) == "" {
		return "", fmt.Errorf("script payload has no script")
	}
	timeout := e.Timeout
	if payload.TimeoutSeconds > 0 {
		requested := time.Duration(payload.TimeoutSeconds) * time.Second
		if timeout <= 0 || requested < timeout {
			timeout = requested
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	shell := e.Shell
	if shell == "" {
		shell = "bash"
	}
	output, err := e.runner().Run(ctx, shell, "-c", payload.Script)
	if err != nil {
		return "", err
	}
	return encodeOutput(output)
}

func (e *ScriptExecutor) runner() CommandRunner {
	if e.Runner != nil {
		return e.Runner
	}
	return ExecRunner{}
}

// actionPayload is the execute_action payload document: one named
// command invocation with explicit arguments, no shell interpretation.
type actionPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ActionExecutor runs structured command actions directly.
type ActionExecutor struct {
	Runner  CommandRunner
	Timeout time.Duration
}

func (e *ActionExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	var payload actionPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("decode action payload: %w", err)
	}
	if strings.TrimSpace(payload.Command) == "" {
		return "", fmt.Errorf("action payload has no command")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	output, err := e.runner().Run(ctx, payload.Command, payload.Args...)
	if err != nil {
		return "", err
	}
	return encodeOutput(output)
}

func (e *ActionExecutor) runner() CommandRunner {
	if e.Runner != nil {
		return e.Runner
	}
	return ExecRunner{}
}

// FactsExecutor reports basic host facts without spawning processes.
type FactsExecutor struct{}

func (e *FactsExecutor) Execute(ctx context.Context, task models.Task) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	facts := map[string]any{
		"hostname":     hostname,
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"cpus":         runtime.NumCPU(),
		"collected_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(facts)
	if err != nil {
		return "", fmt.Errorf("encode facts: %w", err)
	}
	return string(data), nil
}

func encodeOutput(output string) (string, error) {
	data, err := json.Marshal(map[string]string{"output": strings.TrimRight(output, "\n")})
	if err != nil {
		return "", fmt.Errorf("encode command output: %w", err)
	}
	return string(data), nil
}
