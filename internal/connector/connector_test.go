package connector

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

func zerologDiscard() zerolog.Logger {
	return zerolog.Nop()
}

func entityWithID(id string) models.Entity {
	return models.Entity{EntityID: id}
}

func TestRegistry_ConstructUnknownSourceReturnsValidationFailure(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Construct("nope", nil, nil)
	require.Error(t, err)
	kind, ok := airerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, airerr.ValidationFailure, kind)
}

func TestRegistry_RegisterThenDescriptorLookup(t *testing.T) {
	r := NewRegistry()
	d := Descriptor{Name: "GitHub", ShortName: "github"}
	r.Register(d, func(_ map[string]string, _ map[string]interface{}) (Source, error) {
		return nil, nil
	})

	got, ok := r.Descriptor("github")
	require.True(t, ok)
	assert.Equal(t, "GitHub", got.Name)

	_, _, err := r.Construct("github", nil, nil)
	require.NoError(t, err)
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   airerr.Kind
	}{
		{http.StatusUnauthorized, airerr.AuthFailure},
		{http.StatusTooManyRequests, airerr.RateLimited},
		{http.StatusNotFound, airerr.NotFoundOrGone},
		{http.StatusGone, airerr.NotFoundOrGone},
		{http.StatusInternalServerError, airerr.Transient},
		{http.StatusBadRequest, airerr.ValidationFailure},
	}
	for _, c := range cases {
		err := ClassifyHTTPStatus(c.status, 0)
		require.Error(t, err)
		kind, ok := airerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, c.kind, kind)
	}
}

func TestClassifyHTTPStatus_OKReturnsNil(t *testing.T) {
	assert.NoError(t, ClassifyHTTPStatus(http.StatusOK, 0))
}

func TestRetryPolicy_RetriesTransientThenSucceeds(t *testing.T) {
	policy := NewRetryPolicy(5, time.Millisecond, zerologDiscard())
	var calls int32
	err := policy.Do(context.Background(), func(_ context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return airerr.New(airerr.Transient, "try again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls)
}

func TestRetryPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	policy := NewRetryPolicy(2, time.Millisecond, zerologDiscard())
	var calls int32
	err := policy.Do(context.Background(), func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return airerr.New(airerr.Transient, "always fails")
	})
	require.Error(t, err)
	assert.EqualValues(t, 2, calls)
}

func TestRetryPolicy_NonRetriableErrorReturnsImmediately(t *testing.T) {
	policy := NewRetryPolicy(5, time.Millisecond, zerologDiscard())
	var calls int32
	err := policy.Do(context.Background(), func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return airerr.New(airerr.ValidationFailure, "bad request")
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls)
}

func TestRetryPolicy_PlainErrorReturnsImmediately(t *testing.T) {
	policy := NewRetryPolicy(5, time.Millisecond, zerologDiscard())
	var calls int32
	plain := assertPlainErr{}
	err := policy.Do(context.Background(), func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return plain
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls)
}

type assertPlainErr struct{}

func (assertPlainErr) Error() string { return "unclassified" }

func TestWorkerPool_PreservesOrderWithinAndAcrossPartitions(t *testing.T) {
	pool := NewWorkerPool(BatchGenerationConfig{PreserveOrder: true})

	p1 := make(chan StreamItem, 2)
	p1 <- StreamItem{Entity: entityWithID("a1")}
	p1 <- StreamItem{Entity: entityWithID("a2")}
	close(p1)

	p2 := make(chan StreamItem, 1)
	p2 <- StreamItem{Entity: entityWithID("b1")}
	close(p2)

	out := pool.Run(context.Background(), []Partition{{Key: "p1", Items: p1}, {Key: "p2", Items: p2}})

	var ids []string
	for item := range out {
		ids = append(ids, item.Entity.EntityID)
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, ids)
}

func TestWorkerPool_MergesConcurrentPartitionsWithoutDroppingItems(t *testing.T) {
	pool := NewWorkerPool(BatchGenerationConfig{BatchSize: 2})

	partitions := make([]Partition, 3)
	for i := range partitions {
		ch := make(chan StreamItem, 1)
		ch <- StreamItem{Entity: entityWithID("x")}
		close(ch)
		partitions[i] = Partition{Key: "p", Items: ch}
	}

	out := pool.Run(context.Background(), partitions)
	count := 0
	for range out {
		count++
	}
	assert.Equal(t, 3, count)
}

func TestWorkerPool_StopsOnContextCancellation(t *testing.T) {
	pool := NewWorkerPool(BatchGenerationConfig{PreserveOrder: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := make(chan StreamItem)
	out := pool.Run(ctx, []Partition{{Key: "p", Items: blocked}})

	select {
	case _, ok := <-out:
		assert.False(t, ok, "output channel should close without emitting on a cancelled context")
	case <-time.After(time.Second):
		t.Fatal("worker pool did not respect context cancellation")
	}
}
