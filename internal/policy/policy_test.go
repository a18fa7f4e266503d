package policy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restartAction(target string) Action {
	return Action{
		Name:     "restart_container",
		Resource: ResourceContainer,
		Target:   target,
		Mutating: true,
	}
}

func TestParseExecutionMode(t *testing.T) {
	mode, err := ParseExecutionMode(" Lab ")
	require.NoError(t, err)
	assert.Equal(t, ModeLab, mode)

	_, err = ParseExecutionMode("production")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("lab with empty allowlists", func(t *testing.T) {
		p := &Policy{ExecutionMode: ModeLab}
		assert.ErrorIs(t, p.Validate(), ErrLabAllowlistsEmpty)
	})

	t.Run("lab with one allowlist", func(t *testing.T) {
		p := &Policy{ExecutionMode: ModeLab, NodeAllowlist: []string{"pve-1"}}
		assert.NoError(t, p.Validate())
	})

	t.Run("invalid mode", func(t *testing.T) {
		p := &Policy{ExecutionMode: "yolo"}
		assert.Error(t, p.Validate())
	})

	t.Run("nil policy", func(t *testing.T) {
		var p *Policy
		assert.Error(t, p.Validate())
	})
}

func TestAuthorizeReadOnly(t *testing.T) {
	p := &Policy{ExecutionMode: ModeMock, ReadOnly: true}

	decision := p.Authorize(restartAction("web-1"))
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "read-only")

	// Non-mutating actions pass through the read-only gate.
	decision = p.Authorize(Action{Name: "collect_facts", Resource: ResourceNode, Target: "pve-1"})
	assert.True(t, decision.Allowed)
}

func TestAuthorizeMockAllowsAll(t *testing.T) {
	p := &Policy{ExecutionMode: ModeMock}

	decision := p.Authorize(Action{
		Name:      "force_stop_vm",
		Resource:  ResourceVM,
		Target:    "anything",
		Mutating:  true,
		Dangerous: true,
	})
	assert.True(t, decision.Allowed)
}

func TestAuthorizeIntegration(t *testing.T) {
	p := &Policy{ExecutionMode: ModeIntegration}

	action := restartAction("web-1")
	decision := p.Authorize(action)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "test resources")

	action.TestResource = true
	assert.True(t, p.Authorize(action).Allowed)
}

func TestAuthorizeLab(t *testing.T) {
	p := &Policy{
		ExecutionMode:      ModeLab,
		ContainerAllowlist: []string{"web-1", "cache-*"},
		NodeAllowlist:      []string{"pve-*"},
	}

	t.Run("exact match", func(t *testing.T) {
		assert.True(t, p.Authorize(restartAction("web-1")).Allowed)
	})

	t.Run("prefix match", func(t *testing.T) {
		assert.True(t, p.Authorize(restartAction("cache-7")).Allowed)
	})

	t.Run("no match", func(t *testing.T) {
		decision := p.Authorize(restartAction("db-1"))
		assert.False(t, decision.Allowed)
		assert.Contains(t, decision.Reason, "not allowlisted")
	})

	t.Run("case sensitive", func(t *testing.T) {
		assert.False(t, p.Authorize(restartAction("Web-1")).Allowed)
	})

	t.Run("allowlisted kind only", func(t *testing.T) {
		decision := p.Authorize(Action{
			Name:     "migrate_vm",
			Resource: ResourceVM,
			Target:   "web-1",
			Mutating: true,
		})
		assert.False(t, decision.Allowed)
	})

	t.Run("unknown resource kind", func(t *testing.T) {
		decision := p.Authorize(Action{Name: "x", Resource: "cluster", Target: "c1"})
		assert.False(t, decision.Allowed)
		assert.Contains(t, decision.Reason, "unknown resource kind")
	})
}

func TestAuthorizeLabEmptyAllowlistsDeniesEverything(t *testing.T) {
	p := &Policy{ExecutionMode: ModeLab}

	// Even a non-mutating action is denied in this state.
	decision := p.Authorize(Action{Name: "collect_facts", Resource: ResourceNode, Target: "pve-1"})
	assert.False(t, decision.Allowed)
	assert.Equal(t, ErrLabAllowlistsEmpty.Error(), decision.Reason)
}

func TestAuthorizeDangerousOps(t *testing.T) {
	p := &Policy{
		ExecutionMode:      ModeLab,
		ContainerAllowlist: []string{"web-1"},
	}
	action := restartAction("web-1")
	action.Name = "prune_volumes"
	action.Dangerous = true

	decision := p.Authorize(action)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "allow_dangerous_ops")

	p.AllowDangerousOps = true
	assert.True(t, p.Authorize(action).Allowed)
}

func TestMatchAllowlist(t *testing.T) {
	patterns := []string{"web-1", "cache-*", "*"}
	assert.True(t, matchAllowlist(patterns, "web-1"))
	assert.True(t, matchAllowlist(patterns, "cache-"))
	assert.True(t, matchAllowlist(patterns, "anything"))
	assert.False(t, matchAllowlist([]string{"cache-*"}, "cache"))
	assert.False(t, matchAllowlist(nil, "web-1"))
}

func TestLoadFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
execution_mode: lab
container_allowlist:
  - web-1
  - cache-*
allow_dangerous_ops: true
`), 0o600))

		p, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, ModeLab, p.ExecutionMode)
		assert.Equal(t, []string{"web-1", "cache-*"}, p.ContainerAllowlist)
		assert.True(t, p.AllowDangerousOps)
		assert.False(t, p.ReadOnly)
	})

	t.Run("mode defaults to mock", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("read_only: true\n"), 0o600))

		p, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, ModeMock, p.ExecutionMode)
		assert.True(t, p.ReadOnly)
	})

	t.Run("fail-closed misconfiguration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("execution_mode: lab\n"), 0o600))

		_, err := LoadFile(path)
		assert.ErrorIs(t, err, ErrLabAllowlistsEmpty)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestEngineSwap(t *testing.T) {
	engine, err := NewEngine(&Policy{ExecutionMode: ModeMock})
	require.NoError(t, err)
	assert.True(t, engine.Authorize(restartAction("web-1")).Allowed)

	t.Run("rejects invalid policy and keeps previous", func(t *testing.T) {
		err := engine.Swap(&Policy{ExecutionMode: ModeLab})
		assert.ErrorIs(t, err, ErrLabAllowlistsEmpty)
		assert.Equal(t, ModeMock, engine.Current().ExecutionMode)
	})

	t.Run("activates valid policy", func(t *testing.T) {
		require.NoError(t, engine.Swap(&Policy{
			ExecutionMode:      ModeLab,
			ContainerAllowlist: []string{"web-1"},
		}))
		assert.True(t, engine.Authorize(restartAction("web-1")).Allowed)
		assert.False(t, engine.Authorize(restartAction("db-1")).Allowed)
	})

	t.Run("caller mutation does not leak into snapshot", func(t *testing.T) {
		p := &Policy{ExecutionMode: ModeMock}
		require.NoError(t, engine.Swap(p))
		p.ExecutionMode = ModeLab
		assert.Equal(t, ModeMock, engine.Current().ExecutionMode)
	})
}

func TestEngineConcurrentReload(t *testing.T) {
	engine, err := NewEngine(&Policy{ExecutionMode: ModeMock})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				decision := engine.Authorize(restartAction("web-1"))
				// Either snapshot yields a definite decision.
				if !decision.Allowed {
					assert.NotEmpty(t, decision.Reason)
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		mode := ModeMock
		lists := []string(nil)
		if i%2 == 0 {
			mode = ModeLab
			lists = []string{"web-*"}
		}
		require.NoError(t, engine.Swap(&Policy{ExecutionMode: mode, ContainerAllowlist: lists}))
	}
	close(stop)
	wg.Wait()
}
