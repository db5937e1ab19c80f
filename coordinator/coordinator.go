package coordinator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"github.com/huddle-app/huddle/events"
	"github.com/huddle-app/huddle/protocol"
	"github.com/huddle-app/huddle/store"
)

// Outbound is one attached device's write side. Deliver must not block
// the actor; the websocket implementation hands frames to a buffered
// per-device writer.
type Outbound interface {
	Deliver(data []byte)
}

type eventKind int

const (
	evAttach eventKind = iota
	evDetach
	evFrame
	evSweep
	evBarrier
	evStop
)

type event struct {
	kind     eventKind
	deviceID string
	out      Outbound
	msg      protocol.Message
	done     chan struct{}
}

type session struct {
	info       protocol.DeviceInfo
	out        Outbound
	nowPlaying *protocol.NowPlaying
	lastSeen   time.Time
	registered bool
}

// Coordinator is the single serialized actor for one account: the sole
// arbiter of device presence, the shared queue and message ordering.
// Every inbound event funnels through one channel and is processed one
// at a time, so fan-out to every connected device observes a single
// serialization point.
type Coordinator struct {
	accountID string
	store     *store.Store
	liveness  time.Duration
	now       func() time.Time

	inbox    chan event
	done     chan struct{}
	devices  map[string]*session
}

func New(accountID string, st *store.Store, liveness time.Duration) *Coordinator {
	c := &Coordinator{
		accountID: accountID,
		store:     st,
		liveness:  liveness,
		now:       time.Now,
		inbox:     make(chan event, 256),
		done:      make(chan struct{}),
		devices:   map[string]*session{},
	}
	go c.run()
	return c
}

// enqueue hands an event to the actor, or drops it once the actor has
// stopped. A connection handler racing a shutdown must never block on a
// full inbox nobody is draining.
func (c *Coordinator) enqueue(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// Attach wires a freshly accepted connection. The device only becomes
// visible to the swarm once its register frame arrives.
func (c *Coordinator) Attach(deviceID string, out Outbound) {
	c.enqueue(event{kind: evAttach, deviceID: deviceID, out: out})
}

// Detach removes the device, driven by the connection closing.
func (c *Coordinator) Detach(deviceID string) {
	c.enqueue(event{kind: evDetach, deviceID: deviceID})
}

// Dispatch hands one decoded frame from a device to the actor.
func (c *Coordinator) Dispatch(deviceID string, msg protocol.Message) {
	c.enqueue(event{kind: evFrame, deviceID: deviceID, msg: msg})
}

// Sweep marks heartbeat-lapsed devices as gone ahead of their close
// events.
func (c *Coordinator) Sweep() {
	c.enqueue(event{kind: evSweep})
}

// Flush blocks until every event enqueued before it has been
// processed, or until the actor stops.
func (c *Coordinator) Flush() {
	done := make(chan struct{})
	select {
	case c.inbox <- event{kind: evBarrier, done: done}:
	case <-c.done:
		return
	}
	select {
	case <-done:
	case <-c.done:
	}
}

func (c *Coordinator) Stop() {
	c.enqueue(event{kind: evStop})
}

func (c *Coordinator) run() {
	for ev := range c.inbox {
		switch ev.kind {
		case evAttach:
			c.devices[ev.deviceID] = &session{
				info:     protocol.DeviceInfo{ID: ev.deviceID},
				out:      ev.out,
				lastSeen: c.now(),
			}
		case evDetach:
			c.removeDevice(ev.deviceID)
		case evFrame:
			c.handleFrame(ev.deviceID, ev.msg)
		case evSweep:
			c.sweepStale()
		case evBarrier:
			close(ev.done)
		case evStop:
			close(c.done)
			return
		}
	}
}

func (c *Coordinator) handleFrame(deviceID string, msg protocol.Message) {
	sess, ok := c.devices[deviceID]
	if !ok {
		return
	}
	sess.lastSeen = c.now()

	if !sess.registered {
		// Registration is required before anything else is honored
		reg, isRegister := msg.(protocol.Register)
		if !isRegister {
			slog.Debug("Dropping frame from unregistered device",
				slog.String("device_id", deviceID))
			return
		}
		sess.info = reg.Device
		sess.info.ID = deviceID
		sess.registered = true
		c.deliverTo(sess, protocol.Devices{Devices: c.snapshot()})
		c.deliverQueueSnapshot(sess)
		c.broadcastPresence(protocol.PresenceJoined, sess, deviceID)
		return
	}

	switch m := msg.(type) {
	case protocol.Register:
		// Metadata refresh from an already-registered device
		sess.info = m.Device
		sess.info.ID = deviceID
		c.broadcastPresence(protocol.PresenceUpdated, sess, deviceID)
	case protocol.NowPlayingReport:
		sess.nowPlaying = m.State
		c.broadcastPresence(protocol.PresenceUpdated, sess, deviceID)
		c.publishPlayback(sess)
	case protocol.Command:
		c.relay(deviceID, m.Target, protocol.Command{
			Target: m.Target, Action: m.Action, Payload: m.Payload, Source: deviceID,
		})
	case protocol.Transfer:
		c.relay(deviceID, m.Target, protocol.Transfer{
			Target: m.Target, Playback: m.Playback, Source: deviceID,
		})
	case protocol.QueueAdd:
		if m.Item.ID == "" {
			m.Item.ID = uuid.NewString()
		}
		if err := c.store.AddQueueItem(c.accountID, m.Item); err != nil {
			slog.Error("Failed to persist queue item", slog.String("stack", err.Error()))
			return
		}
		c.broadcast(m)
	case protocol.QueueRemove:
		if err := c.store.RemoveQueueItem(c.accountID, m.ItemID); err != nil {
			slog.Error("Failed to remove queue item", slog.String("stack", err.Error()))
			return
		}
		c.broadcast(m)
	case protocol.QueueClear:
		if err := c.store.ClearQueue(c.accountID); err != nil {
			slog.Error("Failed to clear queue", slog.String("stack", err.Error()))
			return
		}
		c.broadcast(m)
	case protocol.QueueSnapshotRequest:
		c.deliverQueueSnapshot(sess)
	default:
		// Server->client kinds arriving from a client are dropped
		slog.Debug("Dropping unexpected frame",
			slog.String("device_id", deviceID),
			slog.String("type", string(msg.MessageType())))
	}
}

// relay delivers a command or transfer to its one target. An unknown or
// offline target is dropped silently; the sender learns nothing at the
// protocol level.
func (c *Coordinator) relay(from, target string, msg protocol.Message) {
	sess, ok := c.devices[target]
	if !ok || !sess.registered {
		slog.Debug("Dropping message for offline target",
			slog.String("from", from),
			slog.String("target", target))
		return
	}
	c.deliverTo(sess, msg)
}

func (c *Coordinator) removeDevice(deviceID string) {
	sess, ok := c.devices[deviceID]
	if !ok {
		return
	}
	delete(c.devices, deviceID)
	if sess.registered {
		c.broadcastPresence(protocol.PresenceLeft, sess, deviceID)
	}
}

func (c *Coordinator) sweepStale() {
	if c.liveness <= 0 {
		return
	}
	cutoff := c.now().Add(-c.liveness)
	for id, sess := range c.devices {
		if sess.lastSeen.Before(cutoff) {
			slog.Debug("Sweeping stale device",
				slog.String("device_id", id),
				slog.String("account_id", c.accountID))
			c.removeDevice(id)
		}
	}
}

func (c *Coordinator) snapshot() []protocol.DeviceState {
	states := []protocol.DeviceState{}
	for _, sess := range c.devices {
		if !sess.registered {
			continue
		}
		states = append(states, c.state(sess))
	}
	return states
}

func (c *Coordinator) state(sess *session) protocol.DeviceState {
	return protocol.DeviceState{
		DeviceInfo:      sess.info,
		NowPlaying:      sess.nowPlaying,
		LastSeenEpochMs: sess.lastSeen.UnixMilli(),
	}
}

// broadcastPresence tells every other registered device about a join,
// leave or update.
func (c *Coordinator) broadcastPresence(ev protocol.PresenceEvent, subject *session, subjectID string) {
	msg := protocol.Presence{Event: ev, Device: c.state(subject)}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	for id, sess := range c.devices {
		if id == subjectID || !sess.registered {
			continue
		}
		sess.out.Deliver(data)
	}
	c.publishPresence(data)
}

// broadcast relays a queue mutation to every registered device,
// including the one that issued it, so a device's own queue view stays
// consistent with everyone else's via the same code path.
func (c *Coordinator) broadcast(msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	for _, sess := range c.devices {
		if !sess.registered {
			continue
		}
		sess.out.Deliver(data)
	}
}

func (c *Coordinator) deliverTo(sess *session, msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	sess.out.Deliver(data)
}

func (c *Coordinator) deliverQueueSnapshot(sess *session) {
	items, err := c.store.ListQueue(c.accountID)
	if err != nil {
		slog.Error("Failed to load queue snapshot", slog.String("stack", err.Error()))
		return
	}
	c.deliverTo(sess, protocol.QueueSnapshot{Items: items})
}

// publishPresence mirrors join/leave/update events onto the read-only
// SSE feed.
func (c *Coordinator) publishPresence(data []byte) {
	if events.Server == nil {
		return
	}
	events.Server.Publish(events.StreamPresence, &sse.Event{Data: data})
}

// publishPlayback mirrors now-playing changes onto the read-only SSE
// feed for observers that never join the swarm.
func (c *Coordinator) publishPlayback(sess *session) {
	if events.Server == nil {
		return
	}
	data, err := protocol.Marshal(protocol.Presence{
		Event:  protocol.PresenceUpdated,
		Device: c.state(sess),
	})
	if err != nil {
		return
	}
	events.Server.Publish(events.StreamPlayback, &sse.Event{Data: data})
}
