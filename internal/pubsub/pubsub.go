// Package pubsub implements contracts.PubSub (§6): an in-process fan-out of
// SyncJobUpdate events to whatever's watching a job — the streaming status
// endpoint, mainly. Grounded on the teacher's internal/notify/service.go
// RWMutex-guarded registry pattern (there a map of channel-kind to driver,
// here a map of job id to a set of subscriber channels), restructured
// around in-process channels instead of outbound HTTP dispatch since
// SPEC_FULL.md's PubSub contract is consumed entirely within one process.
package pubsub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// subscriberBuffer bounds how many updates a slow subscriber can fall
// behind by before Publish starts dropping its oldest unread update — a
// watching HTTP handler only ever needs the latest status, not a perfect
// history.
const subscriberBuffer = 16

// Broker implements contracts.PubSub with one buffered channel per
// subscriber, grouped by job id.
type Broker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]chan models.SyncJobUpdate
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uuid.UUID]map[int]chan models.SyncJobUpdate)}
}

// Subscribe registers a new listener for jobID's updates, returning the
// channel and an unsubscribe func the caller must invoke when done (closes
// the channel and removes it from the broker, matching the teacher's
// RegisterDriver/unregister-on-shutdown symmetry).
func (b *Broker) Subscribe(jobID uuid.UUID) (<-chan models.SyncJobUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.SyncJobUpdate, subscriberBuffer)
	id := b.next
	b.next++
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan models.SyncJobUpdate)
	}
	b.subs[jobID][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[jobID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(b.subs, jobID)
			}
		}
	}
	return ch, unsubscribe
}

// Publish fans update out to every current subscriber of jobID. A
// subscriber whose buffer is full has its oldest pending update dropped to
// make room — Publish never blocks on a slow reader.
func (b *Broker) Publish(jobID uuid.UUID, update models.SyncJobUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// SubscriberCount reports how many listeners jobID currently has, used by
// tests and by callers deciding whether publishing progress is worth the
// cost when nobody is watching.
func (b *Broker) SubscriberCount(jobID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

var _ contracts.PubSub = (*Broker)(nil)
