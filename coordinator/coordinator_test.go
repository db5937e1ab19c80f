package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddle-app/huddle/events"
	"github.com/huddle-app/huddle/migrations"
	"github.com/huddle-app/huddle/protocol"
	"github.com/huddle-app/huddle/shared"
	"github.com/huddle-app/huddle/store"
)

func setupTestStore(t *testing.T) *store.Store {
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	goose.SetBaseFS(migrations.GetMigrations())

	err = goose.SetDialect("sqlite3")
	require.NoError(t, err)

	err = goose.Up(db.DB, ".")
	require.NoError(t, err)

	events.Init()

	return store.New(db)
}

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) Deliver(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, data)
}

func (r *recorder) messages(t *testing.T) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, 0, len(r.frames))
	for _, f := range r.frames {
		msg, err := protocol.Unmarshal(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

func register(c *Coordinator, id, name string) *recorder {
	out := &recorder{}
	c.Attach(id, out)
	c.Dispatch(id, protocol.Register{
		Device: protocol.DeviceInfo{ID: id, Kind: shared.DEVICE_KIND_TV, DisplayName: name},
	})
	return out
}

func TestCoordinator_JoinBroadcastsPresence(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	c.Flush()

	// The joiner receives the registry snapshot and a queue snapshot
	msgs := a.messages(t)
	require.Len(t, msgs, 2)
	snapshot, ok := msgs[0].(protocol.Devices)
	require.True(t, ok)
	require.Len(t, snapshot.Devices, 1)
	assert.Equal(t, "dev-a", snapshot.Devices[0].ID)
	_, ok = msgs[1].(protocol.QueueSnapshot)
	require.True(t, ok)

	a.clear()
	b := register(c, "dev-b", "Phone")
	c.Flush()

	// The existing device hears about the join, the joiner sees both
	// devices in its snapshot
	msgs = a.messages(t)
	require.Len(t, msgs, 1)
	presence, ok := msgs[0].(protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceJoined, presence.Event)
	assert.Equal(t, "dev-b", presence.Device.ID)

	msgs = b.messages(t)
	snapshot = msgs[0].(protocol.Devices)
	assert.Len(t, snapshot.Devices, 2)
}

func TestCoordinator_CommandRoutedToTargetOnly(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	b := register(c, "dev-b", "Phone")
	c.Flush()
	a.clear()
	b.clear()

	c.Dispatch("dev-b", protocol.Command{Target: "dev-a", Action: "pause"})
	c.Flush()

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	cmd, ok := msgs[0].(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, "pause", cmd.Action)
	// The coordinator stamps the source so the target can show who is
	// controlling it
	assert.Equal(t, "dev-b", cmd.Source)

	assert.Empty(t, b.messages(t))
}

func TestCoordinator_CommandToOfflineTargetDroppedSilently(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	c.Flush()
	a.clear()

	c.Dispatch("dev-a", protocol.Command{Target: "device-xyz", Action: "pause"})
	c.Flush()

	// No delivery, no error frame, nothing
	assert.Empty(t, a.messages(t))
}

func TestCoordinator_QueueMutationsRelayedToAllIncludingSender(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	b := register(c, "dev-b", "Phone")
	c.Flush()
	a.clear()
	b.clear()

	c.Dispatch("dev-a", protocol.QueueAdd{Item: protocol.QueueItem{
		URL: "https://example.com/a.mkv", Title: "First", MediaType: "movie", AddedBy: "Lounge TV",
	}})
	c.Dispatch("dev-b", protocol.QueueAdd{Item: protocol.QueueItem{
		URL: "https://example.com/b.mkv", Title: "Second", MediaType: "movie", AddedBy: "Phone",
	}})
	c.Dispatch("dev-a", protocol.QueueRemove{ItemID: "never-existed"})
	c.Flush()

	// Every device observes the same mutations in the same order,
	// the sender included
	msgsA := a.messages(t)
	msgsB := b.messages(t)
	require.Len(t, msgsA, 3)
	assert.Equal(t, msgsA, msgsB)

	first, ok := msgsA[0].(protocol.QueueAdd)
	require.True(t, ok)
	assert.Equal(t, "First", first.Item.Title)
	assert.NotEmpty(t, first.Item.ID, "coordinator assigns queue item ids")

	second := msgsA[1].(protocol.QueueAdd)
	assert.Equal(t, "Second", second.Item.Title)
}

func TestCoordinator_QueueSnapshotOnRequest(t *testing.T) {
	st := setupTestStore(t)
	c := New("acct-1", st, time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	c.Flush()

	c.Dispatch("dev-a", protocol.QueueAdd{Item: protocol.QueueItem{
		ID: "q1", URL: "https://example.com/a.mkv", Title: "First", MediaType: "movie", AddedBy: "Lounge TV",
	}})
	c.Flush()
	a.clear()

	c.Dispatch("dev-a", protocol.QueueSnapshotRequest{})
	c.Flush()

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	snap, ok := msgs[0].(protocol.QueueSnapshot)
	require.True(t, ok)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "q1", snap.Items[0].ID)

	// The queue outlives every device: a fresh actor for the same
	// account still sees it
	c.Stop()
	c2 := New("acct-1", st, time.Minute)
	defer c2.Stop()
	a2 := register(c2, "dev-a", "Lounge TV")
	c2.Flush()
	msgs = a2.messages(t)
	snap = msgs[1].(protocol.QueueSnapshot)
	require.Len(t, snap.Items, 1)
}

func TestCoordinator_NowPlayingBroadcast(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	b := register(c, "dev-b", "Phone")
	c.Flush()
	a.clear()
	b.clear()

	c.Dispatch("dev-a", protocol.NowPlayingReport{State: &protocol.NowPlaying{
		TitleID: "tt0903747", MediaType: "episode", Season: 2, Episode: 5,
		PositionSeconds: 1200, DurationSeconds: 2700,
	}})
	c.Flush()

	msgs := b.messages(t)
	require.Len(t, msgs, 1)
	presence, ok := msgs[0].(protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceUpdated, presence.Event)
	require.NotNil(t, presence.Device.NowPlaying)
	assert.Equal(t, 1200, presence.Device.NowPlaying.PositionSeconds)

	// Clearing the state broadcasts an idle device
	c.Dispatch("dev-a", protocol.NowPlayingReport{State: nil})
	c.Flush()
	msgs = b.messages(t)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[1].(protocol.Presence).Device.NowPlaying)
}

func TestCoordinator_DetachBroadcastsLeave(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	register(c, "dev-b", "Phone")
	c.Flush()
	a.clear()

	c.Detach("dev-b")
	c.Flush()

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	presence := msgs[0].(protocol.Presence)
	assert.Equal(t, protocol.PresenceLeft, presence.Event)
	assert.Equal(t, "dev-b", presence.Device.ID)
}

func TestCoordinator_UnregisteredDeviceIsInvisible(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()

	a := register(c, "dev-a", "Lounge TV")
	c.Flush()
	a.clear()

	// Attached but never registered: its frames are dropped and no one
	// hears about it
	ghost := &recorder{}
	c.Attach("dev-ghost", ghost)
	c.Dispatch("dev-ghost", protocol.Command{Target: "dev-a", Action: "pause"})
	c.Flush()

	assert.Empty(t, a.messages(t))
	assert.Empty(t, ghost.messages(t))
}

func TestCoordinator_SweepRemovesStaleDevices(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	defer c.Stop()
	base := time.Now()
	c.now = func() time.Time { return base }

	a := register(c, "dev-a", "Lounge TV")
	register(c, "dev-b", "Phone")
	c.Flush()

	// dev-b goes quiet; dev-a keeps heartbeating
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Dispatch("dev-a", protocol.NowPlayingReport{State: nil})
	c.Flush()
	a.clear()

	c.Sweep()
	c.Flush()

	msgs := a.messages(t)
	require.Len(t, msgs, 1)
	presence := msgs[0].(protocol.Presence)
	assert.Equal(t, protocol.PresenceLeft, presence.Event)
	assert.Equal(t, "dev-b", presence.Device.ID)
}

func TestCoordinator_LateEventsAfterStopDoNotBlock(t *testing.T) {
	c := New("acct-1", setupTestStore(t), time.Minute)
	register(c, "dev-a", "Lounge TV")
	c.Flush()
	c.Stop()

	// A connection handler racing the shutdown keeps sending events;
	// none of them may block once the actor is gone
	finished := make(chan struct{})
	go func() {
		for i := 0; i < cap(c.inbox)+16; i++ {
			c.Dispatch("dev-a", protocol.QueueClear{})
		}
		c.Detach("dev-a")
		c.Attach("dev-b", &recorder{})
		c.Sweep()
		c.Flush()
		c.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("events sent after shutdown blocked")
	}
}

func TestHub_OneActorPerAccount(t *testing.T) {
	h := NewHub(setupTestStore(t), time.Minute)
	defer h.Shutdown()

	assert.Same(t, h.Get("acct-1"), h.Get("acct-1"))
	assert.NotSame(t, h.Get("acct-1"), h.Get("acct-2"))
}
