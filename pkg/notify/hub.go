package notify

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmdev/api"
)

// Hub is an api.Notifier routing signals to the mailbox of their owner.
// Signals for owners without a mailbox are rejected with api.ErrNoObserver.
type Hub struct {
	boxes cmap.ConcurrentMap[api.PID, *Mailbox]
}

func NewHub() *Hub {
	return &Hub{
		boxes: cmap.NewWithCustomShardingFunction[api.PID, *Mailbox](func(key api.PID) uint32 {
			return uint32(key)
		}),
	}
}

// Mailbox returns the mailbox of owner, creating it when missing or closed.
func (h *Hub) Mailbox(owner api.PID) *Mailbox {
	return h.boxes.Upsert(owner, nil, func(exist bool, cur *Mailbox, _ *Mailbox) *Mailbox {
		if exist && !cur.Closed() {
			return cur
		}
		return newMailbox(owner)
	})
}

// Remove closes and forgets the mailbox of owner.
func (h *Hub) Remove(owner api.PID) {
	if box, ok := h.boxes.Pop(owner); ok {
		box.Close()
	}
}

// Notify implements api.Notifier.
func (h *Hub) Notify(sig api.Signal) error {
	box, ok := h.boxes.Get(sig.Owner)
	if !ok {
		return api.ErrNoObserver
	}
	return box.put(sig)
}

// Owners returns the identities with a mailbox.
func (h *Hub) Owners() []api.PID {
	return h.boxes.Keys()
}

var _ api.Notifier = (*Hub)(nil)
