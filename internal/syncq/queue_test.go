package syncq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Wei-Shaw/opsync/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	q, err := OpenQueue(context.Background(), store.NewMemory(), clk, nil)
	require.NoError(t, err)
	return q, clk
}

func op(id string, typ OpType, entityID string, payload map[string]any) *PendingOp {
	return &PendingOp{
		ID:         id,
		OpType:     typ,
		EntityType: "task",
		EntityID:   entityID,
		Payload:    payload,
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", map[string]any{"title": "a"}))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, "op-1", res.OpID)

	got := q.Get("op-1")
	require.NotNil(t, got)
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, "op-1", got.IdempotencyKey)
	require.Equal(t, clk.Now().UTC(), got.CreatedAt)
	require.Equal(t, 0, got.Attempts)
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-2", nil))
	require.ErrorIs(t, err, ErrDuplicateOp)
	require.True(t, res.Duplicate)
	require.Equal(t, 1, q.Size())
}

func TestEnqueueRejectsSecondCreateForEntity(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-2", OpCreate, "e-1", nil))
	require.ErrorIs(t, err, ErrDuplicateOp)
	require.True(t, res.Duplicate)
	require.Equal(t, "op-1", res.OpID)
}

func TestDeleteCancelsQueuedCreateAndDropsItself(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-3", OpDelete, "e-1", nil))
	require.NoError(t, err)
	require.True(t, res.DroppedSelf)
	require.False(t, res.Accepted)
	require.Len(t, res.Removed, 2)
	require.Equal(t, 0, q.Size())
	require.Empty(t, q.LookupByEntity("e-1"))
}

func TestDeleteCancelsQueuedUpdateButStays(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// UPDATE only: the entity exists remotely, DELETE must still go out.
	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-2", OpDelete, "e-1", nil))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.DroppedSelf)
	require.Len(t, res.Removed, 1)
	require.Equal(t, "op-1", res.Removed[0].ID)
	require.Equal(t, 1, q.Size())
	require.NotNil(t, q.Get("op-2"))
}

func TestUpdateMergesIntoQueuedUpdate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"a": 1, "b": 1}))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"b": 2, "c": 3}))
	require.NoError(t, err)
	require.Equal(t, "op-1", res.MergedInto)
	require.Equal(t, "op-1", res.OpID)
	require.Equal(t, 1, q.Size())

	merged := q.Get("op-1")
	require.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, merged.Payload)
}

func TestUpdateDoesNotMergeIntoInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"a": 1}))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"a": 2}))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, 2, q.Size())
	require.Equal(t, map[string]any{"a": 1}, q.Get("op-1").Payload)
}

func TestPeekOrderAndEntitySerialization(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	clk.Step(time.Second)
	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-2", map[string]any{"x": 1}))
	require.NoError(t, err)

	next := q.PeekNextRunnable(clk.Now())
	require.Equal(t, "op-1", next.ID)

	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)

	// e-1 blocked; e-2 dispatchable.
	next = q.PeekNextRunnable(clk.Now())
	require.Equal(t, "op-2", next.ID)

	_, err = q.MarkInFlight(ctx, "op-2")
	require.NoError(t, err)
	require.Nil(t, q.PeekNextRunnable(clk.Now()))
}

func TestPeekHonorsBackoffGate(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)

	gate := clk.Now().Add(30 * time.Second)
	require.NoError(t, q.ScheduleRetry(ctx, "op-1", gate, &ErrorSummary{Kind: KindNetwork}))

	require.Nil(t, q.PeekNextRunnable(clk.Now()))
	nb, ok := q.NextNotBefore(clk.Now())
	require.True(t, ok)
	require.Equal(t, gate.UTC(), nb)

	clk.Step(30 * time.Second)
	next := q.PeekNextRunnable(clk.Now())
	require.Equal(t, "op-1", next.ID)
	require.Equal(t, 1, next.Attempts)
}

func TestScheduleRetryUnblocksEntityForNothing(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)
	require.NoError(t, q.ScheduleRetry(ctx, "op-1", clk.Now().Add(time.Minute), nil))

	// Entity no longer blocked, but op-1 is gated; a fresh op for another
	// entity still runs.
	_, err = q.Enqueue(ctx, op("op-2", OpCreate, "e-2", nil))
	require.NoError(t, err)
	require.Equal(t, "op-2", q.PeekNextRunnable(clk.Now()).ID)
}

func TestMarkSucceededPurges(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)
	require.NoError(t, q.MarkSucceeded(ctx, "op-1"))

	require.Equal(t, 0, q.Size())
	require.Nil(t, q.Get("op-1"))
	require.Empty(t, q.LookupByEntity("e-1"))
	// Entity unblocked.
	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)
	require.Equal(t, "op-2", q.PeekNextRunnable(clk.Now()).ID)
}

func TestArchiveAndRetryFromFailed(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)

	archived, err := q.ArchiveToFailed(ctx, "op-1", KindValidation, &ErrorSummary{Kind: KindValidation, HTTPStatus: 422})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, archived.Status)
	require.Equal(t, 0, q.Size())
	require.Equal(t, 1, q.FailedSize())

	listed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "op-1", listed[0].ID)
	require.Equal(t, KindValidation, listed[0].ArchivedReason)

	reborn, err := q.RetryFromFailed(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, reborn.Status)
	require.Equal(t, 0, reborn.Attempts)
	require.Nil(t, reborn.LastError)
	require.Equal(t, "op-1", reborn.IdempotencyKey)
	require.Equal(t, 0, q.FailedSize())
	require.Equal(t, "op-1", q.PeekNextRunnable(clk.Now()).ID)
}

func TestRetryFromFailedUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.RetryFromFailed(context.Background(), "nope")
	require.ErrorIs(t, err, ErrOpNotFound)
}

func TestCancelQueuedOnly(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)

	removed, err := q.CancelQueued(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, "op-1", removed.ID)
	require.Equal(t, 0, q.Size())

	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-2")
	require.NoError(t, err)
	_, err = q.CancelQueued(ctx, "op-2")
	require.ErrorIs(t, err, ErrOpNotQueued)
}

func TestReconcileFlow(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"a": 1}))
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)
	require.NoError(t, q.MarkReconciling(ctx, "op-1", &ErrorSummary{Kind: KindConflict, HTTPStatus: 409}))

	// Entity stays blocked while reconciling.
	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-1", map[string]any{"b": 2}))
	require.NoError(t, err)
	require.Equal(t, "op-2", q.Get("op-2").ID)
	require.Nil(t, q.PeekNextRunnable(clk.Now()))

	require.NoError(t, q.RequeueReconciled(ctx, "op-1", map[string]any{"a": 1, "srv": true}))
	got := q.Get("op-1")
	require.Equal(t, StatusQueued, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.Equal(t, map[string]any{"a": 1, "srv": true}, got.Payload)
	require.Equal(t, "op-1", q.PeekNextRunnable(clk.Now()).ID)
}

func TestCrashRecoveryResetsInFlight(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	pm := store.NewMemory()
	ctx := context.Background()

	q, err := OpenQueue(ctx, pm, clk, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("op-1", OpUpdate, "e-1", map[string]any{"x": 1}))
	require.NoError(t, err)
	inFlight, err := q.MarkInFlight(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, 1, inFlight.Attempts)

	// Simulated restart over the same storage.
	q2, err := OpenQueue(ctx, pm, clk, nil)
	require.NoError(t, err)
	n, err := q2.ResetInFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered := q2.PeekNextRunnable(clk.Now())
	require.NotNil(t, recovered)
	require.Equal(t, "op-1", recovered.ID)
	require.Equal(t, StatusQueued, recovered.Status)
	require.Equal(t, 1, recovered.Attempts)
	require.Equal(t, inFlight.IdempotencyKey, recovered.IdempotencyKey)
}

func TestRebuildIndexFromPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, op("op-2", OpUpdate, "e-2", map[string]any{"x": 1}))
	require.NoError(t, err)

	require.NoError(t, q.RebuildIndex(ctx))
	require.Len(t, q.LookupByEntity("e-1"), 1)
	require.Len(t, q.LookupByEntity("e-2"), 1)
}

func TestPurgeFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2"} {
		_, err := q.Enqueue(ctx, op(id, OpUpdate, "e-"+id, map[string]any{"x": 1}))
		require.NoError(t, err)
		_, err = q.MarkInFlight(ctx, id)
		require.NoError(t, err)
		_, err = q.ArchiveToFailed(ctx, id, KindExhaustedRetries, nil)
		require.NoError(t, err)
	}

	n, err := q.PurgeFailed(ctx, []string{"op-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.FailedSize())

	n, err = q.PurgeFailed(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, q.FailedSize())
}

func TestOldestAge(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	require.Equal(t, time.Duration(0), q.OldestAge(clk.Now()))
	_, err := q.Enqueue(ctx, op("op-1", OpCreate, "e-1", nil))
	require.NoError(t, err)
	clk.Step(90 * time.Second)
	require.Equal(t, 90*time.Second, q.OldestAge(clk.Now()))
}
