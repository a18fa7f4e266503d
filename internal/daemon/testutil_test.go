package daemon

import (
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/audit"
	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/policy"
)

// testClock is a manually advanced clock shared by the components under
// test so lease and retention arithmetic is deterministic.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testHarness struct {
	store     *db.Store
	engine    *policy.Engine
	chain     *audit.Chain
	hub       *Hub
	events    *EventRecorder
	metrics   *Metrics
	queue     *Queue
	reclaimer *Reclaimer
	clock     *testClock
}

func newTestHarness(t *testing.T, p *policy.Policy) *testHarness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if p == nil {
		p = &policy.Policy{ExecutionMode: policy.ModeMock}
	}
	engine, err := policy.NewEngine(p)
	require.NoError(t, err)

	clock := newTestClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	logger := log.New(io.Discard, "", 0)
	metrics := NewMetrics()
	hub := NewHub()
	events := NewEventRecorder(store, logger).WithClock(clock.Now)
	chain := audit.NewChain(store).WithClock(clock.Now)
	queue := NewQueue(store, engine, chain, hub, events, metrics, 10*time.Minute, logger).WithClock(clock.Now)
	reclaimer := NewReclaimer(store, chain, hub, events, metrics, time.Second, 6*time.Hour, 90*time.Second, logger).WithClock(clock.Now)

	return &testHarness{
		store:     store,
		engine:    engine,
		chain:     chain,
		hub:       hub,
		events:    events,
		metrics:   metrics,
		queue:     queue,
		reclaimer: reclaimer,
		clock:     clock,
	}
}

func testActionRequest() ActionRequest {
	return ActionRequest{
		Action: policy.Action{
			Name:     "restart_container",
			Resource: policy.ResourceContainer,
			Target:   "web-1",
			Mutating: true,
		},
		SiteName:             "site-a",
		RequiredCapabilities: []string{"docker"},
		PayloadType:          "execute_action",
		PayloadJSON:          `{"op":"restart","container":"web-1"}`,
	}
}
