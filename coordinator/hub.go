package coordinator

import (
	"sync"
	"time"

	"github.com/huddle-app/huddle/store"
)

// Hub owns one coordinator actor per account, created lazily on the
// first device to dial in. Actors stay up after their last device
// leaves; the durable queue lives in the store either way.
type Hub struct {
	store    *store.Store
	liveness time.Duration

	m      sync.Mutex
	actors map[string]*Coordinator
}

func NewHub(st *store.Store, liveness time.Duration) *Hub {
	return &Hub{
		store:    st,
		liveness: liveness,
		actors:   map[string]*Coordinator{},
	}
}

func (h *Hub) Get(accountID string) *Coordinator {
	h.m.Lock()
	defer h.m.Unlock()
	if c, ok := h.actors[accountID]; ok {
		return c
	}
	c := New(accountID, h.store, h.liveness)
	h.actors[accountID] = c
	return c
}

// SweepAll asks every actor to expire heartbeat-lapsed devices. Run on
// a fixed schedule.
func (h *Hub) SweepAll() {
	h.m.Lock()
	defer h.m.Unlock()
	for _, c := range h.actors {
		c.Sweep()
	}
}

func (h *Hub) Shutdown() {
	h.m.Lock()
	defer h.m.Unlock()
	for _, c := range h.actors {
		c.Stop()
	}
	h.actors = map[string]*Coordinator{}
}
