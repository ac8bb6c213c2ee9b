package pubsub

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	jobID := uuid.New()
	ch, unsubscribe := b.Subscribe(jobID)
	defer unsubscribe()

	b.Publish(jobID, models.SyncJobUpdate{JobID: jobID, Status: models.SyncJobInProgress})

	select {
	case got := <-ch:
		assert.Equal(t, models.SyncJobInProgress, got.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestBroker_PublishFansOutToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	jobID := uuid.New()
	ch1, unsub1 := b.Subscribe(jobID)
	ch2, unsub2 := b.Subscribe(jobID)
	defer unsub1()
	defer unsub2()

	b.Publish(jobID, models.SyncJobUpdate{JobID: jobID, Status: models.SyncJobCompleted})

	for _, ch := range []<-chan models.SyncJobUpdate{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, models.SyncJobCompleted, got.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out update")
		}
	}
}

func TestBroker_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		b.Publish(uuid.New(), models.SyncJobUpdate{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers blocked")
	}
}

func TestBroker_UnsubscribeClosesChannelAndRemovesFromRegistry(t *testing.T) {
	b := NewBroker()
	jobID := uuid.New()
	ch, unsubscribe := b.Subscribe(jobID)
	require.Equal(t, 1, b.SubscriberCount(jobID))

	unsubscribe()
	require.Equal(t, 0, b.SubscriberCount(jobID))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroker_PublishDropsOldestWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroker()
	jobID := uuid.New()
	ch, unsubscribe := b.Subscribe(jobID)
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(jobID, models.SyncJobUpdate{JobID: jobID, Message: "update"})
	}

	// Buffer never exceeds its capacity regardless of how many updates were
	// published without being drained.
	assert.LessOrEqual(t, len(ch), subscriberBuffer)
}

func TestBroker_IndependentSubscribersDoNotInterfere(t *testing.T) {
	b := NewBroker()
	jobA, jobB := uuid.New(), uuid.New()
	chA, unsubA := b.Subscribe(jobA)
	chB, unsubB := b.Subscribe(jobB)
	defer unsubA()
	defer unsubB()

	b.Publish(jobA, models.SyncJobUpdate{JobID: jobA})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected update on jobA's channel")
	}

	select {
	case <-chB:
		t.Fatal("jobB should not have received jobA's update")
	case <-time.After(50 * time.Millisecond):
	}
}
