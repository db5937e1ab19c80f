package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/huddle-app/huddle/protocol"
)

func device(id string, lastSeen time.Time) protocol.DeviceState {
	return protocol.DeviceState{
		DeviceInfo: protocol.DeviceInfo{
			ID:          id,
			Kind:        "tv",
			DisplayName: "Lounge TV",
		},
		LastSeenEpochMs: lastSeen.UnixMilli(),
	}
}

func TestRegistry_PresenceLifecycle(t *testing.T) {
	r := New("self", time.Minute)
	now := time.Now()

	joined := protocol.Presence{Event: protocol.PresenceJoined, Device: device("tv-1", now)}
	r.ApplyPresence(joined)
	// Applying the same broadcast twice is a no-op
	r.ApplyPresence(joined)

	d, ok := r.Lookup("tv-1")
	assert.True(t, ok)
	assert.Equal(t, "Lounge TV", d.DisplayName)
	assert.Len(t, r.OnlinePeers(), 1)

	r.ApplyPresence(protocol.Presence{Event: protocol.PresenceLeft, Device: device("tv-1", now)})
	_, ok = r.Lookup("tv-1")
	assert.False(t, ok)
	assert.Empty(t, r.OnlinePeers())
}

func TestRegistry_SnapshotReplacesView(t *testing.T) {
	r := New("self", time.Minute)
	now := time.Now()

	r.ApplyPresence(protocol.Presence{Event: protocol.PresenceJoined, Device: device("gone", now)})
	r.ApplySnapshot(protocol.Devices{Devices: []protocol.DeviceState{
		device("tv-1", now),
		device("phone-1", now),
	}})

	_, ok := r.Lookup("gone")
	assert.False(t, ok)
	assert.Len(t, r.OnlinePeers(), 2)
}

func TestRegistry_ExcludesSelf(t *testing.T) {
	r := New("self", time.Minute)
	now := time.Now()

	r.ApplySnapshot(protocol.Devices{Devices: []protocol.DeviceState{
		device("self", now),
		device("tv-1", now),
	}})

	peers := r.OnlinePeers()
	assert.Len(t, peers, 1)
	assert.Equal(t, "tv-1", peers[0].ID)
}

func TestRegistry_StaleDeviceTreatedAsOffline(t *testing.T) {
	r := New("self", time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.ApplyPresence(protocol.Presence{Event: protocol.PresenceJoined, Device: device("tv-1", now)})
	_, ok := r.Lookup("tv-1")
	assert.True(t, ok)

	// No heartbeat for longer than the liveness window: the entry stops
	// being offered even though the coordinator never broadcast removal
	r.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = r.Lookup("tv-1")
	assert.False(t, ok)
	assert.Empty(t, r.OnlinePeers())
}

func TestRegistry_ControlledBy(t *testing.T) {
	r := New("self", time.Minute)

	assert.Empty(t, r.ControlledBy())

	r.MarkControlledBy("phone-1")
	assert.Equal(t, "phone-1", r.ControlledBy())

	// Our own id and empty sources never enter controlled mode
	r.MarkControlledBy("")
	r.MarkControlledBy("self")
	assert.Equal(t, "phone-1", r.ControlledBy())

	// Only a local disconnect or session change clears the marker
	r.Reset()
	assert.Empty(t, r.ControlledBy())
}
