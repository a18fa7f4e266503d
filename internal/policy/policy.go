// Package policy implements the execution safety policy engine.
//
// Every proposed action is gated here before it may be queued or executed
// on real infrastructure. Authorization is a pure function of an immutable
// Policy snapshot and the action descriptor, so callers never observe a
// half-reloaded configuration.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrLabAllowlistsEmpty is returned when a policy in lab mode carries no
// allowlist entries at all. The engine refuses to activate such a policy
// rather than defaulting to permissive behavior.
var ErrLabAllowlistsEmpty = errors.New("lab mode requires at least one non-empty allowlist")

// ExecutionMode selects how much real infrastructure actions may touch.
type ExecutionMode string

const (
	// ModeMock executes nothing for real; every action is simulated.
	ModeMock ExecutionMode = "mock"
	// ModeIntegration allows actions only against test-labeled resources.
	ModeIntegration ExecutionMode = "integration"
	// ModeLab allows actions against real resources matching an allowlist.
	ModeLab ExecutionMode = "lab"
)

// ParseExecutionMode parses a mode string from configuration.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMock:
		return ModeMock, nil
	case ModeIntegration:
		return ModeIntegration, nil
	case ModeLab:
		return ModeLab, nil
	default:
		return "", fmt.Errorf("invalid execution mode: %q", s)
	}
}

// ResourceKind identifies which allowlist gates an action's target.
type ResourceKind string

const (
	ResourceContainer ResourceKind = "container"
	ResourceVM        ResourceKind = "vm"
	ResourceNode      ResourceKind = "node"
)

// Action describes a proposed operation against one target resource.
type Action struct {
	// Name is the operation identifier, e.g. "restart_container".
	Name string
	// Resource selects the allowlist the target is checked against.
	Resource ResourceKind
	// Target is the resource name, e.g. "web-1" or "pve-node-2".
	Target string
	// Mutating is true for any action that changes infrastructure state.
	Mutating bool
	// Dangerous marks destructive semantics: prune, delete, force-stop.
	Dangerous bool
	// TestResource is true when the target carries a test label.
	TestResource bool
}

// Decision is the outcome of authorizing one action.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Policy is one immutable safety configuration snapshot. Build a new
// Policy and swap it into the Engine to reconfigure; never mutate a
// Policy that has been activated.
type Policy struct {
	ExecutionMode      ExecutionMode `yaml:"execution_mode" json:"execution_mode"`
	ContainerAllowlist []string      `yaml:"container_allowlist" json:"container_allowlist,omitempty"`
	VMAllowlist        []string      `yaml:"vm_allowlist" json:"vm_allowlist,omitempty"`
	NodeAllowlist      []string      `yaml:"node_allowlist" json:"node_allowlist,omitempty"`
	AllowDangerousOps  bool          `yaml:"allow_dangerous_ops" json:"allow_dangerous_ops"`
	ReadOnly           bool          `yaml:"read_only" json:"read_only"`
}

// Validate checks that the policy is safe to activate.
func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if _, err := ParseExecutionMode(string(p.ExecutionMode)); err != nil {
		return err
	}
	if p.ExecutionMode == ModeLab && p.allowlistsEmpty() {
		return ErrLabAllowlistsEmpty
	}
	return nil
}

func (p *Policy) allowlistsEmpty() bool {
	return len(p.ContainerAllowlist) == 0 &&
		len(p.VMAllowlist) == 0 &&
		len(p.NodeAllowlist) == 0
}

// Authorize evaluates one action against this policy snapshot. It has no
// side effects and is safe to call concurrently.
func (p *Policy) Authorize(action Action) Decision {
	if p == nil {
		return deny("no active policy")
	}
	if p.ReadOnly && action.Mutating {
		return deny("policy is read-only")
	}
	switch p.ExecutionMode {
	case ModeMock:
		// Mock mode touches no real infrastructure.
		return allow()
	case ModeIntegration:
		if !action.TestResource {
			return deny(fmt.Sprintf("integration mode allows only test resources, %s %q is not one", action.Resource, action.Target))
		}
	case ModeLab:
		if p.allowlistsEmpty() {
			return deny(ErrLabAllowlistsEmpty.Error())
		}
		patterns, ok := p.allowlistFor(action.Resource)
		if !ok {
			return deny(fmt.Sprintf("unknown resource kind %q", action.Resource))
		}
		if !matchAllowlist(patterns, action.Target) {
			return deny(fmt.Sprintf("%s %q is not allowlisted", action.Resource, action.Target))
		}
	default:
		return deny(fmt.Sprintf("invalid execution mode %q", p.ExecutionMode))
	}
	if action.Dangerous && !p.AllowDangerousOps {
		return deny(fmt.Sprintf("dangerous operation %q denied: allow_dangerous_ops is off", action.Name))
	}
	return allow()
}

func (p *Policy) allowlistFor(kind ResourceKind) ([]string, bool) {
	switch kind {
	case ResourceContainer:
		return p.ContainerAllowlist, true
	case ResourceVM:
		return p.VMAllowlist, true
	case ResourceNode:
		return p.NodeAllowlist, true
	default:
		return nil, false
	}
}

// matchAllowlist reports whether name matches any pattern. Patterns are
// case-sensitive exact names or prefix globs ending in "*". First match
// wins.
func matchAllowlist(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if pattern == name {
			return true
		}
	}
	return false
}

// LoadFile reads and validates a policy from a YAML file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = ModeMock
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &p, nil
}
