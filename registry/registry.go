package registry

import (
	"sync"
	"time"

	"github.com/huddle-app/huddle/protocol"
)

// Registry is this device's local view of the account's swarm: which
// peers are online and what they last reported playing. All mutation
// arrives on the single inbound message path, so the lock only guards
// against concurrent reads from UI code.
type Registry struct {
	selfID   string
	liveness time.Duration
	now      func() time.Time

	m            sync.RWMutex
	devices      map[string]protocol.DeviceState
	controlledBy string
}

func New(selfID string, liveness time.Duration) *Registry {
	return &Registry{
		selfID:   selfID,
		liveness: liveness,
		now:      time.Now,
		devices:  map[string]protocol.DeviceState{},
	}
}

// ApplySnapshot replaces the whole view with the coordinator's registry
// snapshot, as received on join.
func (r *Registry) ApplySnapshot(snapshot protocol.Devices) {
	r.m.Lock()
	defer r.m.Unlock()
	r.devices = make(map[string]protocol.DeviceState, len(snapshot.Devices))
	for _, d := range snapshot.Devices {
		r.devices[d.ID] = d
	}
}

// ApplyPresence folds a single join/leave/update broadcast into the
// view. Applying the same broadcast twice yields the same state.
func (r *Registry) ApplyPresence(p protocol.Presence) {
	r.m.Lock()
	defer r.m.Unlock()
	switch p.Event {
	case protocol.PresenceJoined, protocol.PresenceUpdated:
		r.devices[p.Device.ID] = p.Device
	case protocol.PresenceLeft:
		delete(r.devices, p.Device.ID)
	}
}

// Lookup reports a device by id. Devices whose last heartbeat falls
// outside the liveness window are reported as absent so they stop being
// offered as command or transfer targets before the coordinator's own
// removal broadcast lands.
func (r *Registry) Lookup(id string) (protocol.DeviceState, bool) {
	r.m.RLock()
	defer r.m.RUnlock()
	d, ok := r.devices[id]
	if !ok || r.stale(d) {
		return protocol.DeviceState{}, false
	}
	return d, true
}

// OnlinePeers lists live devices other than this one, for the UI's
// device picker.
func (r *Registry) OnlinePeers() []protocol.DeviceState {
	r.m.RLock()
	defer r.m.RUnlock()
	peers := []protocol.DeviceState{}
	for _, d := range r.devices {
		if d.ID == r.selfID || r.stale(d) {
			continue
		}
		peers = append(peers, d)
	}
	return peers
}

func (r *Registry) stale(d protocol.DeviceState) bool {
	if r.liveness <= 0 || d.LastSeenEpochMs == 0 {
		return false
	}
	return r.now().Sub(time.UnixMilli(d.LastSeenEpochMs)) > r.liveness
}

// MarkControlledBy records the peer whose inbound command put this
// device into controlled mode. It powers a persistent UI indicator and
// is only cleared by Reset, never by a command timing out.
func (r *Registry) MarkControlledBy(sourceID string) {
	if sourceID == "" || sourceID == r.selfID {
		return
	}
	r.m.Lock()
	defer r.m.Unlock()
	r.controlledBy = sourceID
}

func (r *Registry) ControlledBy() string {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.controlledBy
}

// Reset clears the view on local disconnect or session change.
func (r *Registry) Reset() {
	r.m.Lock()
	defer r.m.Unlock()
	r.devices = map[string]protocol.DeviceState{}
	r.controlledBy = ""
}
