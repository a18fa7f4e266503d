package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labpilot/labpilot/internal/models"
)

func notifyTask(site string, caps ...string) models.Task {
	return models.Task{ID: "task-1", SiteName: site, RequiredCapabilities: caps}
}

func TestHubNotifyMatching(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("site-a", []string{"docker", "proxmox"})
	defer sub.Close()

	hub.Notify(notifyTask("site-a", "docker"))
	require.Len(t, sub.C, 1)
	got := <-sub.C
	assert.Equal(t, "task-1", got.ID)
}

func TestHubFiltersBySite(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("site-a", []string{"docker"})
	defer sub.Close()

	hub.Notify(notifyTask("site-b", "docker"))
	assert.Empty(t, sub.C)
}

func TestHubFiltersByCapability(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("site-a", []string{"docker"})
	defer sub.Close()

	hub.Notify(notifyTask("site-a", "proxmox"))
	assert.Empty(t, sub.C)

	// No required capabilities matches any worker.
	hub.Notify(notifyTask("site-a"))
	assert.Len(t, sub.C, 1)
}

func TestHubFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("site-a", nil)
	defer sub.Close()

	for i := 0; i < notifyBuffer+5; i++ {
		hub.Notify(notifyTask("site-a"))
	}
	assert.Len(t, sub.C, notifyBuffer)
}

func TestHubClosedSubscriptionStopsReceiving(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("site-a", nil)
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers())

	hub.Notify(notifyTask("site-a"))
	assert.Empty(t, sub.C)
}
