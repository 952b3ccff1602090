package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
	"github.com/Wei-Shaw/opsync/internal/store"
)

var (
	ErrDuplicateOp  = infraerrors.Conflict("OP_DUPLICATE", "operation id already exists")
	ErrOpNotFound   = infraerrors.NotFound("OP_NOT_FOUND", "operation not found")
	ErrOpNotQueued  = infraerrors.Conflict("OP_NOT_QUEUED", "operation is not in queued state")
	ErrQueueStorage = infraerrors.ServiceUnavailable("STORAGE", "queue persistence failed")
)

// EnqueueResult describes what Enqueue did with the incoming op so the
// engine can emit exactly one terminal notification per affected op.
type EnqueueResult struct {
	// OpID is the id the caller should track: the new op's id, or the
	// existing op's id when the enqueue was merged or was a duplicate.
	OpID string
	// Accepted means the incoming op now sits in the queue as its own entry.
	Accepted bool
	// MergedInto is set when an UPDATE was folded into an existing queued op.
	MergedInto string
	// Removed lists queued ops coalesced away by this enqueue (e.g. a queued
	// CREATE cancelled by an incoming DELETE).
	Removed []*PendingOp
	// DroppedSelf means the incoming op itself was discarded (DELETE over a
	// never-sent CREATE).
	DroppedSelf bool
	// Duplicate means the op was rejected because its id, or an equivalent
	// CREATE for the same entity, already exists.
	Duplicate bool
}

// Queue is the durable FIFO of pending operations. All mutations hold an
// in-process mutex and write through to the persistent map; the in-memory
// maps are a mirror of the pending/ and index/ spaces.
type Queue struct {
	mu    sync.Mutex
	pm    store.PersistentMap
	clock clock.PassiveClock
	log   *zap.Logger

	ops       map[string]*PendingOp
	failedIDs map[string]struct{}
	index     map[string][]string
	// blocked maps entityID → opID for ops in_flight or reconciling;
	// consulted by PeekNextRunnable for per-entity serialization.
	blocked map[string]string
}

// OpenQueue loads the pending and failed spaces and rebuilds the entity
// index from pending (the index space is advisory and rebuildable).
func OpenQueue(ctx context.Context, pm store.PersistentMap, clk clock.PassiveClock, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		pm:        pm,
		clock:     clk,
		log:       log,
		ops:       make(map[string]*PendingOp),
		failedIDs: make(map[string]struct{}),
		index:     make(map[string][]string),
		blocked:   make(map[string]string),
	}

	err := pm.Scan(ctx, store.SpacePending, func(key string, value []byte) error {
		op := &PendingOp{}
		if err := json.Unmarshal(value, op); err != nil {
			q.log.Error("skipping undecodable pending op", zap.String("op_id", key), zap.Error(err))
			return nil
		}
		q.ops[op.ID] = op
		return nil
	})
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}

	err = pm.Scan(ctx, store.SpaceFailed, func(key string, _ []byte) error {
		q.failedIDs[key] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}

	if err := q.rebuildIndexLocked(ctx); err != nil {
		return nil, err
	}

	q.log.Info("queue opened",
		zap.Int("pending", len(q.ops)),
		zap.Int("failed", len(q.failedIDs)),
	)
	return q, nil
}

// Enqueue validates, deduplicates, coalesces, and persists the op.
// Safe for concurrent callers; this is the queue's only externally
// concurrent entry point.
func (q *Queue) Enqueue(ctx context.Context, op *PendingOp) (*EnqueueResult, error) {
	if op == nil || op.ID == "" {
		return nil, infraerrors.BadRequest("OP_INVALID", "operation id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[op.ID]; ok {
		return &EnqueueResult{OpID: op.ID, Duplicate: true}, ErrDuplicateOp
	}
	if _, ok := q.failedIDs[op.ID]; ok {
		return &EnqueueResult{OpID: op.ID, Duplicate: true}, ErrDuplicateOp
	}

	now := q.clock.Now().UTC()
	op = op.Clone()
	op.Status = StatusQueued
	op.CreatedAt = now
	op.UpdatedAt = now
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = op.ID
	}

	if op.EntityID != "" {
		if res, handled, err := q.coalesceLocked(ctx, op); handled {
			return res, err
		}
	}

	if err := q.persistOpLocked(ctx, op); err != nil {
		return nil, err
	}
	q.ops[op.ID] = op
	if op.EntityID != "" {
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		q.persistIndexEntryLocked(ctx, op.EntityID)
	}
	return &EnqueueResult{OpID: op.ID, Accepted: true}, nil
}

// coalesceLocked applies the batch coalescing rules against queued ops for
// the same entity. Ops that are in_flight or reconciling are frozen and
// never touched.
func (q *Queue) coalesceLocked(ctx context.Context, op *PendingOp) (*EnqueueResult, bool, error) {
	var queuedSameEntity []*PendingOp
	for _, id := range q.index[op.EntityID] {
		existing, ok := q.ops[id]
		if !ok || existing.Status != StatusQueued {
			continue
		}
		queuedSameEntity = append(queuedSameEntity, existing)
	}
	if len(queuedSameEntity) == 0 {
		return nil, false, nil
	}

	switch op.OpType {
	case OpDelete:
		removed := make([]*PendingOp, 0, len(queuedSameEntity))
		sawCreate := false
		for _, existing := range queuedSameEntity {
			if existing.OpType != OpCreate && existing.OpType != OpUpdate {
				continue
			}
			if existing.OpType == OpCreate {
				sawCreate = true
			}
			if err := q.removeOpLocked(ctx, existing.ID); err != nil {
				return nil, true, err
			}
			removed = append(removed, existing)
		}
		if sawCreate {
			// 远端从未创建过，DELETE 本身也无需上行。
			return &EnqueueResult{OpID: op.ID, Removed: removed, DroppedSelf: true}, true, nil
		}
		if len(removed) == 0 {
			return nil, false, nil
		}
		if err := q.persistOpLocked(ctx, op); err != nil {
			return nil, true, err
		}
		q.ops[op.ID] = op
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		q.persistIndexEntryLocked(ctx, op.EntityID)
		return &EnqueueResult{OpID: op.ID, Accepted: true, Removed: removed}, true, nil

	case OpUpdate:
		for _, existing := range queuedSameEntity {
			if existing.OpType != OpUpdate {
				continue
			}
			// Latest wins per key.
			if existing.Payload == nil {
				existing.Payload = make(map[string]any, len(op.Payload))
			}
			for k, v := range op.Payload {
				existing.Payload[k] = v
			}
			existing.UpdatedAt = q.clock.Now().UTC()
			if err := q.persistOpLocked(ctx, existing); err != nil {
				return nil, true, err
			}
			return &EnqueueResult{OpID: existing.ID, MergedInto: existing.ID}, true, nil
		}
		return nil, false, nil

	case OpCreate:
		for _, existing := range queuedSameEntity {
			if existing.OpType == OpCreate {
				return &EnqueueResult{OpID: existing.ID, Duplicate: true}, true, ErrDuplicateOp
			}
		}
		return nil, false, nil
	}
	return nil, false, nil
}

// PeekNextRunnable returns a copy of the oldest queued op that is not gated
// by backoff and whose entity has nothing in flight. FIFO by created_at,
// ties broken by id.
func (q *Queue) PeekNextRunnable(now time.Time) *PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*PendingOp
	for _, op := range q.ops {
		if op.Status != StatusQueued {
			continue
		}
		if op.EntityID != "" {
			if _, busy := q.blocked[op.EntityID]; busy {
				continue
			}
		}
		if op.NextAttemptNotBefore != nil && op.NextAttemptNotBefore.After(now) {
			continue
		}
		candidates = append(candidates, op)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].Clone()
}

// NextNotBefore reports the earliest backoff gate after now, so the engine
// can schedule a wake-up instead of polling.
func (q *Queue) NextNotBefore(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, op := range q.ops {
		if op.Status != StatusQueued || op.NextAttemptNotBefore == nil {
			continue
		}
		nb := *op.NextAttemptNotBefore
		if !nb.After(now) {
			continue
		}
		if !found || nb.Before(earliest) {
			earliest = nb
			found = true
		}
	}
	return earliest, found
}

// MarkInFlight transitions queued → in_flight, bumps attempts, and blocks
// the entity.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (*PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, ErrOpNotFound
	}
	if op.Status != StatusQueued {
		return nil, ErrOpNotQueued
	}
	op.Status = StatusInFlight
	op.Attempts++
	op.NextAttemptNotBefore = nil
	op.UpdatedAt = q.clock.Now().UTC()
	if err := q.persistOpLocked(ctx, op); err != nil {
		// 回滚内存状态，保持镜像与持久层一致。
		op.Status = StatusQueued
		op.Attempts--
		return nil, err
	}
	if op.EntityID != "" {
		q.blocked[op.EntityID] = op.ID
	}
	return op.Clone(), nil
}

// MarkSucceeded purges the op; succeeded ops are not retained.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeOpLocked(ctx, id)
}

// ScheduleRetry puts an in_flight/reconciling op back to queued with a
// backoff gate. The idempotency key is untouched.
func (q *Queue) ScheduleRetry(ctx context.Context, id string, notBefore time.Time, summary *ErrorSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	op.Status = StatusQueued
	nb := notBefore.UTC()
	op.NextAttemptNotBefore = &nb
	op.LastError = summary
	op.UpdatedAt = q.clock.Now().UTC()
	if err := q.persistOpLocked(ctx, op); err != nil {
		return err
	}
	q.unblockLocked(op)
	return nil
}

// MarkReconciling flags the op for conflict resolution; its entity stays
// blocked until the reconciler settles it.
func (q *Queue) MarkReconciling(ctx context.Context, id string, summary *ErrorSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	op.Status = StatusReconciling
	op.LastError = summary
	op.UpdatedAt = q.clock.Now().UTC()
	return q.persistOpLocked(ctx, op)
}

// RequeueReconciled installs the merged payload, resets attempts, and puts
// the op back at queued.
func (q *Queue) RequeueReconciled(ctx context.Context, id string, payload map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	if payload != nil {
		op.Payload = payload
	}
	op.Status = StatusQueued
	op.Attempts = 0
	op.NextAttemptNotBefore = nil
	op.LastError = nil
	op.UpdatedAt = q.clock.Now().UTC()
	if err := q.persistOpLocked(ctx, op); err != nil {
		return err
	}
	q.unblockLocked(op)
	return nil
}

// SetBaseSnapshot records the server-last-known state used as the merge base.
func (q *Queue) SetBaseSnapshot(ctx context.Context, id string, base map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	op.BaseSnapshot = base
	return q.persistOpLocked(ctx, op)
}

// ArchiveToFailed moves the op into the failed/ space for inspection.
func (q *Queue) ArchiveToFailed(ctx context.Context, id, reason string, summary *ErrorSummary) (*ArchivedOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, ErrOpNotFound
	}
	archived := &ArchivedOp{
		PendingOp:      *op.Clone(),
		ArchivedAt:     q.clock.Now().UTC(),
		ArchivedReason: reason,
	}
	archived.Status = StatusFailed
	archived.LastError = summary

	raw, err := json.Marshal(archived)
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	if err := q.putWithRetryLocked(ctx, store.SpaceFailed, id, raw); err != nil {
		return nil, err
	}
	q.failedIDs[id] = struct{}{}
	if err := q.removeOpLocked(ctx, id); err != nil {
		return nil, err
	}
	return archived, nil
}

// RetryFromFailed moves an archived op back into pending with attempts
// reset to zero. Returns false when the id is not in failed/.
func (q *Queue) RetryFromFailed(ctx context.Context, id string) (*PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.pm.Get(ctx, store.SpaceFailed, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOpNotFound
	}
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	archived := &ArchivedOp{}
	if err := json.Unmarshal(raw, archived); err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}

	op := archived.PendingOp.Clone()
	op.Status = StatusQueued
	op.Attempts = 0
	op.NextAttemptNotBefore = nil
	op.LastError = nil
	op.UpdatedAt = q.clock.Now().UTC()

	if err := q.persistOpLocked(ctx, op); err != nil {
		return nil, err
	}
	if err := q.deleteWithRetryLocked(ctx, store.SpaceFailed, id); err != nil {
		return nil, err
	}
	delete(q.failedIDs, id)
	q.ops[op.ID] = op
	if op.EntityID != "" {
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
		q.persistIndexEntryLocked(ctx, op.EntityID)
	}
	return op.Clone(), nil
}

// CancelQueued removes a queued op; ops already in flight cannot be
// cancelled.
func (q *Queue) CancelQueued(ctx context.Context, id string) (*PendingOp, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, ErrOpNotFound
	}
	if op.Status != StatusQueued {
		return nil, ErrOpNotQueued
	}
	removed := op.Clone()
	if err := q.removeOpLocked(ctx, id); err != nil {
		return nil, err
	}
	return removed, nil
}

// ResetInFlight recovers ops stranded at in_flight/reconciling by a prior
// crash back to queued. The idempotency key is unchanged, so the next
// attempt is safe.
func (q *Queue) ResetInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, op := range q.ops {
		if op.Status != StatusInFlight && op.Status != StatusReconciling {
			continue
		}
		op.Status = StatusQueued
		op.UpdatedAt = q.clock.Now().UTC()
		if err := q.persistOpLocked(ctx, op); err != nil {
			return count, err
		}
		q.unblockLocked(op)
		count++
	}
	return count, nil
}

// ClearGates drops every backoff gate so queued ops become dispatchable
// immediately; used when connectivity returns.
func (q *Queue) ClearGates(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		if op.Status != StatusQueued || op.NextAttemptNotBefore == nil {
			continue
		}
		op.NextAttemptNotBefore = nil
		op.UpdatedAt = q.clock.Now().UTC()
		if err := q.persistOpLocked(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// LookupByEntity returns copies of all pending ops for the entity in index
// order.
func (q *Queue) LookupByEntity(entityID string) []*PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.index[entityID]
	out := make([]*PendingOp, 0, len(ids))
	for _, id := range ids {
		if op, ok := q.ops[id]; ok {
			out = append(out, op.Clone())
		}
	}
	return out
}

func (q *Queue) Get(id string) *PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op, ok := q.ops[id]; ok {
		return op.Clone()
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) FailedSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failedIDs)
}

// OldestAge reports how long the oldest pending op has been waiting.
func (q *Queue) OldestAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Time
	for _, op := range q.ops {
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// ListFailed returns archived ops, most recently archived first.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*ArchivedOp, error) {
	var out []*ArchivedOp
	err := q.pm.Scan(ctx, store.SpaceFailed, func(key string, value []byte) error {
		archived := &ArchivedOp{}
		if err := json.Unmarshal(value, archived); err != nil {
			q.log.Error("skipping undecodable failed op", zap.String("op_id", key), zap.Error(err))
			return nil
		}
		out = append(out, archived)
		return nil
	})
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) GetFailed(ctx context.Context, id string) (*ArchivedOp, error) {
	raw, err := q.pm.Get(ctx, store.SpaceFailed, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOpNotFound
	}
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	archived := &ArchivedOp{}
	if err := json.Unmarshal(raw, archived); err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	return archived, nil
}

// PurgeFailed deletes archived ops; ids == nil purges all. Returns the
// number removed.
func (q *Queue) PurgeFailed(ctx context.Context, ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	victims := ids
	if victims == nil {
		for id := range q.failedIDs {
			victims = append(victims, id)
		}
	}
	count := 0
	for _, id := range victims {
		if _, ok := q.failedIDs[id]; !ok {
			continue
		}
		if err := q.deleteWithRetryLocked(ctx, store.SpaceFailed, id); err != nil {
			return count, err
		}
		delete(q.failedIDs, id)
		count++
	}
	return count, nil
}

// RebuildIndex reconstructs index/ from pending/; exposed for the admin CLI.
func (q *Queue) RebuildIndex(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rebuildIndexLocked(ctx)
}

func (q *Queue) rebuildIndexLocked(ctx context.Context) error {
	// Drop stale persisted entries first.
	var stale []string
	err := q.pm.Scan(ctx, store.SpaceIndex, func(key string, _ []byte) error {
		stale = append(stale, key)
		return nil
	})
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}
	for _, key := range stale {
		if err := q.deleteWithRetryLocked(ctx, store.SpaceIndex, key); err != nil {
			return err
		}
	}

	q.index = make(map[string][]string)
	ordered := make([]*PendingOp, 0, len(q.ops))
	for _, op := range q.ops {
		ordered = append(ordered, op)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	for _, op := range ordered {
		if op.EntityID == "" {
			continue
		}
		q.index[op.EntityID] = append(q.index[op.EntityID], op.ID)
	}
	for entityID := range q.index {
		q.persistIndexEntryLocked(ctx, entityID)
	}
	return nil
}

func (q *Queue) unblockLocked(op *PendingOp) {
	if op.EntityID == "" {
		return
	}
	if q.blocked[op.EntityID] == op.ID {
		delete(q.blocked, op.EntityID)
	}
}

func (q *Queue) removeOpLocked(ctx context.Context, id string) error {
	op, ok := q.ops[id]
	if !ok {
		return ErrOpNotFound
	}
	if err := q.deleteWithRetryLocked(ctx, store.SpacePending, id); err != nil {
		return err
	}
	delete(q.ops, id)
	q.unblockLocked(op)
	if op.EntityID != "" {
		ids := q.index[op.EntityID]
		next := ids[:0]
		for _, v := range ids {
			if v != id {
				next = append(next, v)
			}
		}
		if len(next) == 0 {
			delete(q.index, op.EntityID)
			_ = q.pm.Delete(ctx, store.SpaceIndex, op.EntityID)
		} else {
			q.index[op.EntityID] = next
			q.persistIndexEntryLocked(ctx, op.EntityID)
		}
	}
	return nil
}

func (q *Queue) persistOpLocked(ctx context.Context, op *PendingOp) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}
	return q.putWithRetryLocked(ctx, store.SpacePending, op.ID, raw)
}

// persistIndexEntryLocked writes the index row best-effort: the index is
// rebuildable, so a failed write is logged rather than surfaced.
func (q *Queue) persistIndexEntryLocked(ctx context.Context, entityID string) {
	raw, err := json.Marshal(q.index[entityID])
	if err != nil {
		return
	}
	if err := q.pm.Put(ctx, store.SpaceIndex, entityID, raw); err != nil {
		q.log.Warn("index write failed", zap.String("entity_id", entityID), zap.Error(err))
	}
}

// putWithRetryLocked retries a failed write once before surfacing STORAGE;
// an accepted op is never silently lost.
func (q *Queue) putWithRetryLocked(ctx context.Context, space store.Space, key string, value []byte) error {
	if err := q.pm.Put(ctx, space, key, value); err != nil {
		q.log.Warn("store write failed, retrying once",
			zap.String("space", string(space)), zap.String("key", key), zap.Error(err))
		if err := q.pm.Put(ctx, space, key, value); err != nil {
			return ErrQueueStorage.WithCause(err)
		}
	}
	return nil
}

func (q *Queue) deleteWithRetryLocked(ctx context.Context, space store.Space, key string) error {
	if err := q.pm.Delete(ctx, space, key); err != nil {
		if err := q.pm.Delete(ctx, space, key); err != nil {
			return ErrQueueStorage.WithCause(err)
		}
	}
	return nil
}
