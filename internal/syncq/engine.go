package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/Wei-Shaw/opsync/internal/config"
	"github.com/Wei-Shaw/opsync/internal/metrics"
	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
	"github.com/Wei-Shaw/opsync/internal/store"
)

// EnqueueOptions describes a mutation to sync. ID and IdempotencyKey are
// minted when empty.
type EnqueueOptions struct {
	ID             string
	IdempotencyKey string
	OpType         OpType
	EntityType     string
	EntityID       string
	Payload        map[string]any
	ConflictPolicy ConflictPolicy
	MaxAttempts    int
	RouteOverride  string
	TxnToken       string
	// BaseSnapshot is the server state the caller edited from; when nil the
	// engine falls back to the optimistic store's confirmed base.
	BaseSnapshot map[string]any
}

// EnqueueReceipt tells the caller what happened to their submission.
type EnqueueReceipt struct {
	OpID string
	// Merged means the payload was folded into an already queued op.
	Merged bool
	// Absorbed means the op was satisfied locally and nothing new was
	// queued (DELETE over a never-sent CREATE).
	Absorbed bool
	// Duplicate means a CREATE for this entity was already queued; OpID is
	// the existing op's id.
	Duplicate bool
}

// EngineStatus is the telemetry snapshot written to meta/engine_status.
// It is advisory: the inspect CLI reads it, the engine never does.
type EngineStatus struct {
	Running      bool      `json:"running"`
	Holder       string    `json:"holder,omitempty"`
	FatalReason  string    `json:"fatal_reason,omitempty"`
	AuthBlocked  bool      `json:"auth_blocked,omitempty"`
	Breaker      string    `json:"breaker"`
	QueueDepth   int       `json:"queue_depth"`
	FailedDepth  int       `json:"failed_depth"`
	OldestAgeSec int       `json:"oldest_age_seconds"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EngineDeps bundles everything the engine composes over.
type EngineDeps struct {
	Config config.Config
	Store  store.PersistentMap
	Tokens TokenSource
	Router *Router
	Sink   metrics.Sink
	Clock  clock.WithTicker
	Logger *zap.Logger
}

// Engine owns the dispatch loop: it drains the durable queue against the
// remote API under the processing lock, honoring per-entity ordering,
// backoff, the circuit breaker, and conflict resolution.
type Engine struct {
	cfg        config.Config
	pm         store.PersistentMap
	queue      *Queue
	lock       *ProcessingLock
	backoff    *Backoff
	breaker    *Breaker
	router     *Router
	client     *APIClient
	reconciler *Reconciler
	optimistic *OptimisticStore
	sink       metrics.Sink
	hist       *metrics.RingHistogram
	clock      clock.WithTicker
	log        *zap.Logger
	notifier   *notifier
	wheel      *wakeWheel

	wake chan struct{}

	// lifecycle guards Start/Stop; stopCh and cancelLoop are remade on
	// every Start so the engine survives stop/start cycles.
	lifecycle   sync.Mutex
	stopCh      chan struct{}
	cancelLoop  context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
	running     atomic.Bool
	authBlocked atomic.Bool
	fatalReason atomic.Value
}

func NewEngine(ctx context.Context, deps EngineDeps) (*Engine, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	sink := deps.Sink
	if sink == nil {
		sink = metrics.NewNop()
	}
	if deps.Router == nil {
		deps.Router = NewRouter()
	}

	queue, err := OpenQueue(ctx, deps.Store, clk, log.Named("queue"))
	if err != nil {
		return nil, err
	}

	client := NewAPIClient(deps.Config.API, deps.Tokens, clk, log.Named("api"))
	wake := make(chan struct{}, 1)
	wheel, err := newWakeWheel(wake)
	if err != nil {
		return nil, infraerrors.InternalServer("TIMER", "timing wheel init failed").WithCause(err)
	}

	e := &Engine{
		cfg:     deps.Config,
		pm:      deps.Store,
		queue:   queue,
		lock:    NewProcessingLock(deps.Store, clk, deps.Config.Lock.TTL(), deps.Config.Lock.Heartbeat(), log.Named("lock")),
		backoff: NewBackoff(deps.Config.Backoff.Base(), deps.Config.Backoff.Cap(), deps.Config.Backoff.Jitter()),
		breaker: NewBreaker(clk, deps.Config.Breaker.Window(), deps.Config.Breaker.EffectiveThreshold(),
			deps.Config.Breaker.Cooldown(), log.Named("breaker")),
		router:     deps.Router,
		client:     client,
		optimistic: NewOptimisticStore(),
		sink:       sink,
		hist:       metrics.NewRingHistogram(deps.Config.Metrics.EffectiveHistogramSamples()),
		clock:      clk,
		log:        log,
		notifier:   newNotifier(),
		wheel:      wheel,
		wake:       wake,
	}
	e.reconciler = NewReconciler(client, deps.Router,
		ConflictPolicy(deps.Config.Engine.DefaultConflictPolicy),
		deps.Config.Engine.FingerprintFields, log.Named("reconcile"))
	e.breaker.OnStateChange(func(_, to BreakerState) {
		e.sink.BreakerTransition(string(to))
		e.poke()
	})
	e.fatalReason.Store("")
	return e, nil
}

// Optimistic exposes the UI-facing read layer.
func (e *Engine) Optimistic() *OptimisticStore { return e.optimistic }

// Queue exposes the durable queue for admin surfaces.
func (e *Engine) Queue() *Queue { return e.queue }

// Subscribe returns a lossless notification stream and its cancel func.
func (e *Engine) Subscribe() (<-chan Notification, func()) {
	return e.notifier.subscribe()
}

// Enqueue validates, persists, and optimistically applies a mutation.
// The call succeeds offline; dispatch happens whenever the loop can reach
// the server.
func (e *Engine) Enqueue(ctx context.Context, opts EnqueueOptions) (*EnqueueReceipt, error) {
	op := &PendingOp{
		ID:             opts.ID,
		IdempotencyKey: opts.IdempotencyKey,
		OpType:         opts.OpType,
		EntityType:     opts.EntityType,
		EntityID:       opts.EntityID,
		Payload:        opts.Payload,
		ConflictPolicy: opts.ConflictPolicy,
		MaxAttempts:    opts.MaxAttempts,
		RouteOverride:  opts.RouteOverride,
		TxnToken:       opts.TxnToken,
		BaseSnapshot:   opts.BaseSnapshot,
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		// The op id is stable across retries and restarts, which is exactly
		// what the dedup header needs.
		op.IdempotencyKey = op.ID
	}
	switch op.OpType {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, infraerrors.BadRequest("OP_INVALID", "op_type must be CREATE, UPDATE, or DELETE")
	}
	if op.EntityType == "" {
		return nil, infraerrors.BadRequest("OP_INVALID", "entity_type is required")
	}
	// Unroutable ops are rejected here, not discovered at dispatch.
	if _, _, err := e.router.Resolve(op); err != nil {
		return nil, err
	}
	if op.OpType == OpUpdate && op.BaseSnapshot == nil {
		op.BaseSnapshot = e.optimistic.Base(op.EntityID)
	}

	res, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		if errors.Is(err, ErrDuplicateOp) && res != nil && res.Duplicate {
			// The caller gets the queued op's id back instead of an error;
			// the first CREATE already carries the intent.
			return &EnqueueReceipt{OpID: res.OpID, Duplicate: true}, nil
		}
		return nil, err
	}

	for _, removed := range res.Removed {
		// Coalesced away: its effect is subsumed, report it as settled.
		e.optimistic.Rollback(removed.EntityID, removed.ID)
		e.optimistic.CommitTxn(removed.TxnToken)
		e.publishOp(removed, StatusSucceeded, "", nil, nil)
	}

	switch {
	case res.DroppedSelf:
		e.optimistic.ConfirmDeleted(op.EntityID, op.ID)
		e.optimistic.CommitTxn(op.TxnToken)
		e.publishOp(op, StatusSucceeded, "", nil, nil)
		return &EnqueueReceipt{OpID: op.ID, Absorbed: true}, nil
	case res.MergedInto != "":
		e.optimistic.ReplaceOverlay(op.EntityID, res.MergedInto, e.queue.Get(res.MergedInto).Payload)
		e.poke()
		return &EnqueueReceipt{OpID: res.MergedInto, Merged: true}, nil
	default:
		e.optimistic.Apply(op)
		e.sink.OpEnqueued(op.EntityType, string(op.OpType))
		e.publishOp(op, StatusQueued, "", nil, nil)
		e.poke()
		return &EnqueueReceipt{OpID: op.ID}, nil
	}
}

// Cancel removes a queued op before dispatch and rolls its optimistic
// effect back.
func (e *Engine) Cancel(ctx context.Context, opID string) error {
	removed, err := e.queue.CancelQueued(ctx, opID)
	if err != nil {
		return err
	}
	e.optimistic.Rollback(removed.EntityID, removed.ID)
	e.optimistic.RollbackTxn(removed.TxnToken)
	e.sink.OpCancelled(removed.EntityType)
	e.publishOp(removed, StatusCancelled, KindCancelled, nil, nil)
	return nil
}

// RetryFromFailed resurrects an archived op with a fresh attempt budget.
func (e *Engine) RetryFromFailed(ctx context.Context, opID string) error {
	op, err := e.queue.RetryFromFailed(ctx, opID)
	if err != nil {
		return err
	}
	e.optimistic.Apply(op)
	e.publishOp(op, StatusQueued, "", nil, nil)
	e.poke()
	return nil
}

// Start acquires the processing lock, recovers crash leftovers, and runs
// the dispatch loop until Stop. Returns ErrLockHeld when another live
// process owns the storage. A stopped engine may be started again.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.running.Load() {
		return nil
	}
	if err := e.lock.TryAcquire(ctx); err != nil {
		return err
	}

	recovered, err := e.queue.ResetInFlight(ctx)
	if err != nil {
		releaseErr := e.lock.Release(ctx)
		if releaseErr != nil {
			e.log.Error("lock release after failed start", zap.Error(releaseErr))
		}
		return err
	}
	if recovered > 0 {
		e.log.Info("recovered interrupted operations", zap.Int("count", recovered))
	}

	e.lock.StartHeartbeat(ctx, func() {
		// Another process took over; continuing to write would violate the
		// single-writer rule. Stop runs off the heartbeat goroutine so the
		// lock teardown does not wait on itself.
		e.fatalReason.Store("processing lock lost")
		go e.Stop(context.Background())
	})

	e.stopCh = make(chan struct{})
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	e.running.Store(true)
	e.wg.Add(1)
	go e.loop(loopCtx)
	e.writeStatus(ctx)
	e.log.Info("sync engine started", zap.String("holder", e.lock.Holder()))
	return nil
}

// Stop halts the loop, aborts the in-flight HTTP attempt, and releases the
// lock. The queue is not drained; whatever was in flight is re-attempted
// on the next Start.
func (e *Engine) Stop(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.running.Load() {
		return
	}
	close(e.stopCh)
	e.cancelLoop()
	e.wg.Wait()
	e.running.Store(false)
	if err := e.lock.Release(ctx); err != nil {
		e.log.Error("lock release failed", zap.Error(err))
	}
	e.writeStatus(ctx)
	e.log.Info("sync engine stopped")
}

// Close releases the timers and subscriber streams once the engine will
// never be started again.
func (e *Engine) Close() {
	e.Stop(context.Background())
	e.closeOnce.Do(func() {
		e.wheel.Stop()
		e.notifier.close()
	})
}

func (e *Engine) IsRunning() bool { return e.running.Load() }

// FatalReason is non-empty when the engine stopped itself.
func (e *Engine) FatalReason() string { return e.fatalReason.Load().(string) }

// NotifyOnline clears backoff gates and wakes the loop; call it when
// connectivity returns so pending work retries immediately.
func (e *Engine) NotifyOnline(ctx context.Context) {
	if err := e.queue.ClearGates(ctx); err != nil {
		e.log.Error("clearing backoff gates failed", zap.Error(err))
	}
	e.poke()
}

// NotifyAuthUpdated unblocks dispatching after new credentials arrive.
func (e *Engine) NotifyAuthUpdated() {
	e.authBlocked.Store(false)
	e.poke()
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if e.authBlocked.Load() {
			e.waitForWake(ctx, 0)
			continue
		}

		now := e.clock.Now()
		if !e.breaker.Allow() {
			wait := e.cfg.Engine.IdleWait()
			if at, ok := e.breaker.RetryAt(); ok {
				wait = at.Sub(now)
			}
			e.waitForWake(ctx, wait)
			continue
		}

		op := e.queue.PeekNextRunnable(now)
		if op == nil {
			wait := e.cfg.Engine.IdleWait()
			if nb, ok := e.queue.NextNotBefore(now); ok {
				if d := nb.Sub(now); d < wait {
					wait = d
				}
			}
			e.waitForWake(ctx, wait)
			continue
		}

		e.dispatch(ctx, op.ID)
		e.updateGauges()
		e.writeStatus(ctx)
	}
}

// waitForWake parks the loop until poked. wait > 0 also schedules a timed
// poke on the wheel.
func (e *Engine) waitForWake(ctx context.Context, wait time.Duration) {
	if wait > 0 {
		e.wheel.ScheduleAfter(wait)
	} else {
		// Nothing concrete to wait for: keep a slow safety poll so a missed
		// poke cannot hang the loop forever.
		e.wheel.ScheduleAfter(e.cfg.Engine.IdleWait())
	}
	select {
	case <-e.wake:
	case <-e.stopCh:
	case <-ctx.Done():
	}
}

func (e *Engine) dispatch(ctx context.Context, opID string) {
	op, err := e.queue.MarkInFlight(ctx, opID)
	if err != nil {
		e.log.Error("mark in_flight failed", zap.String("op_id", opID), zap.Error(err))
		e.fatalIfStorage(err)
		return
	}
	e.publishOp(op, StatusInFlight, "", nil, nil)

	method, path, err := e.router.Resolve(op)
	if err != nil {
		e.archive(ctx, op, KindRouting, &ErrorSummary{Kind: KindRouting, Message: err.Error()})
		return
	}

	out := e.client.Do(ctx, op, method, path)
	if out.IdempotencyAccepted {
		e.sink.IdempotencyAccepted()
	}
	switch {
	case out.CountsTowardBreaker():
		e.breaker.RecordFailure()
	case out.Success():
		e.breaker.RecordSuccess()
	default:
		// 409/429/401/4xx say nothing about server health, but a half-open
		// probe slot must still be freed.
		e.breaker.RecordNeutral()
	}

	switch {
	case out.Success():
		e.complete(ctx, op, out)
	case out.Kind == KindConflict:
		e.reconcile(ctx, op, out)
	case out.Kind == KindAuth:
		// Dispatching pauses until NotifyAuthUpdated; the op itself stays
		// queued and ungated.
		e.authBlocked.Store(true)
		summary := summarize(out)
		if err := e.queue.ScheduleRetry(ctx, op.ID, e.clock.Now(), summary); err != nil {
			e.log.Error("requeue after auth failure", zap.String("op_id", op.ID), zap.Error(err))
			e.fatalIfStorage(err)
		}
		e.publishOp(op, StatusQueued, KindAuth, nil, summary)
		e.log.Warn("dispatch paused pending credentials", zap.String("op_id", op.ID))
	case TerminalKind(out.Kind):
		e.archive(ctx, op, out.Kind, summarize(out))
	default:
		e.retry(ctx, op, out)
	}
}

func (e *Engine) complete(ctx context.Context, op *PendingOp, out Outcome) {
	var remote map[string]any
	if len(out.Body) > 0 {
		_ = json.Unmarshal(out.Body, &remote)
	}
	if err := e.queue.MarkSucceeded(ctx, op.ID); err != nil {
		e.log.Error("mark succeeded failed", zap.String("op_id", op.ID), zap.Error(err))
		e.fatalIfStorage(err)
		return
	}
	if op.OpType == OpDelete {
		e.optimistic.ConfirmDeleted(op.EntityID, op.ID)
	} else {
		e.optimistic.Confirm(op.EntityID, op.ID, remote)
	}
	e.optimistic.CommitTxn(op.TxnToken)
	latency := e.clock.Now().Sub(op.CreatedAt)
	e.sink.OpSucceeded(op.EntityType, latency)
	e.hist.Observe(latency)
	e.publishOp(op, StatusSucceeded, "", remote, nil)
	e.log.Info("op synced",
		zap.String("op_id", op.ID),
		zap.String("entity_id", op.EntityID),
		zap.Int("attempts", op.Attempts),
		zap.Duration("latency", latency),
	)
}

func (e *Engine) retry(ctx context.Context, op *PendingOp, out Outcome) {
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.Backoff.Attempts(op.EntityType)
	}
	summary := summarize(out)
	if op.Attempts >= maxAttempts {
		e.archive(ctx, op, KindExhaustedRetries, summary)
		return
	}

	delay := e.backoff.DelayWithRetryAfter(op.Attempts, out.RetryAfter)
	notBefore := e.clock.Now().Add(delay)
	if err := e.queue.ScheduleRetry(ctx, op.ID, notBefore, summary); err != nil {
		e.log.Error("schedule retry failed", zap.String("op_id", op.ID), zap.Error(err))
		e.fatalIfStorage(err)
		return
	}
	e.wheel.ScheduleAfter(delay)
	e.sink.OpRetried(op.EntityType, out.Kind)
	e.publishOp(op, StatusQueued, out.Kind, nil, summary)
	e.log.Warn("op retry scheduled",
		zap.String("op_id", op.ID),
		zap.String("kind", out.Kind),
		zap.Int("attempts", op.Attempts),
		zap.Duration("delay", delay),
	)
}

func (e *Engine) reconcile(ctx context.Context, op *PendingOp, out Outcome) {
	summary := summarize(out)
	if err := e.queue.MarkReconciling(ctx, op.ID, summary); err != nil {
		e.log.Error("mark reconciling failed", zap.String("op_id", op.ID), zap.Error(err))
		e.fatalIfStorage(err)
		return
	}
	e.publishOp(op, StatusReconciling, KindConflict, nil, summary)

	res, err := e.reconciler.Resolve(ctx, op)
	if err != nil {
		// The conflict read itself failed; back off and retry the whole op.
		e.retry(ctx, op, Outcome{Kind: KindRetryable, Err: err})
		return
	}

	switch res.Action {
	case ResolutionRequeue:
		if err := e.queue.SetBaseSnapshot(ctx, op.ID, res.Remote); err != nil {
			e.log.Error("store merge base failed", zap.String("op_id", op.ID), zap.Error(err))
		}
		if err := e.queue.RequeueReconciled(ctx, op.ID, res.Payload); err != nil {
			e.log.Error("requeue merged op failed", zap.String("op_id", op.ID), zap.Error(err))
			e.fatalIfStorage(err)
			return
		}
		e.optimistic.ReplaceOverlay(op.EntityID, op.ID, res.Payload)
		e.sink.ConflictResolved(string(ResolutionRequeue))
		e.publishOp(op, StatusQueued, KindConflict, res.Remote, nil)
	case ResolutionDiscard:
		if err := e.queue.MarkSucceeded(ctx, op.ID); err != nil {
			e.log.Error("discard conflicted op failed", zap.String("op_id", op.ID), zap.Error(err))
			e.fatalIfStorage(err)
			return
		}
		if op.OpType == OpDelete {
			e.optimistic.ConfirmDeleted(op.EntityID, op.ID)
		} else {
			e.optimistic.Confirm(op.EntityID, op.ID, res.Remote)
		}
		e.optimistic.CommitTxn(op.TxnToken)
		e.sink.ConflictResolved(string(ResolutionDiscard))
		e.publishOp(op, StatusSucceeded, "", res.Remote, nil)
	case ResolutionAbort:
		kind := res.Kind
		if kind == "" {
			kind = KindConflictUnresolved
		}
		e.sink.ConflictResolved(string(ResolutionAbort))
		e.archive(ctx, op, kind, &ErrorSummary{Kind: kind, HTTPStatus: out.HTTPStatus, TraceID: out.TraceID})
	}
}

func (e *Engine) archive(ctx context.Context, op *PendingOp, kind string, summary *ErrorSummary) {
	if _, err := e.queue.ArchiveToFailed(ctx, op.ID, kind, summary); err != nil {
		e.log.Error("archive to failed", zap.String("op_id", op.ID), zap.Error(err))
		e.fatalIfStorage(err)
		return
	}
	e.optimistic.Rollback(op.EntityID, op.ID)
	e.optimistic.RollbackTxn(op.TxnToken)
	e.sink.OpFailed(op.EntityType, kind)
	e.publishOp(op, StatusFailed, kind, nil, summary)
	e.log.Error("op failed terminally",
		zap.String("op_id", op.ID),
		zap.String("entity_id", op.EntityID),
		zap.String("kind", kind),
		zap.Int("attempts", op.Attempts),
	)
}

// fatalIfStorage stops the engine when durable writes keep failing even
// after the queue's own retry. An accepted op that cannot be persisted is
// data loss waiting to happen; the operator has to look at the disk.
func (e *Engine) fatalIfStorage(err error) {
	if !infraerrors.IsReason(err, "STORAGE") {
		return
	}
	// A write aborted by shutdown is not a broken disk.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	e.fatalReason.Store("storage failure: " + err.Error())
	// Stop off this goroutine: the loop must return for Stop's wait.
	go e.Stop(context.Background())
}

func (e *Engine) publishOp(op *PendingOp, status Status, kind string, remote map[string]any, summary *ErrorSummary) {
	e.notifier.publish(Notification{
		OpID:       op.ID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Status:     status,
		Kind:       kind,
		Attempts:   op.Attempts,
		Remote:     remote,
		Error:      summary,
	})
}

func (e *Engine) updateGauges() {
	e.sink.SetQueueDepth(e.queue.Size())
	e.sink.SetFailedDepth(e.queue.FailedSize())
	e.sink.SetOldestAge(e.queue.OldestAge(e.clock.Now()))
}

// SyncLatencyQuantile exposes local latency quantiles for the inspect
// surface.
func (e *Engine) SyncLatencyQuantile(q float64) time.Duration {
	return e.hist.Quantile(q)
}

// writeStatus persists a best-effort telemetry snapshot for out-of-process
// inspection.
func (e *Engine) writeStatus(ctx context.Context) {
	now := e.clock.Now().UTC()
	status := EngineStatus{
		Running:      e.running.Load(),
		Holder:       e.lock.Holder(),
		FatalReason:  e.FatalReason(),
		AuthBlocked:  e.authBlocked.Load(),
		Breaker:      string(e.breaker.State()),
		QueueDepth:   e.queue.Size(),
		FailedDepth:  e.queue.FailedSize(),
		OldestAgeSec: int(e.queue.OldestAge(now) / time.Second),
		UpdatedAt:    now,
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := e.pm.Put(ctx, store.SpaceMeta, store.MetaKeyEngineStatus, raw); err != nil {
		e.log.Warn("engine status write failed", zap.Error(err))
	}
}

// ReadEngineStatus loads the last persisted snapshot; nil when none exists.
func ReadEngineStatus(ctx context.Context, pm store.PersistentMap) (*EngineStatus, error) {
	raw, err := pm.Get(ctx, store.SpaceMeta, store.MetaKeyEngineStatus)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	status := &EngineStatus{}
	if err := json.Unmarshal(raw, status); err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	return status, nil
}

func summarize(out Outcome) *ErrorSummary {
	s := &ErrorSummary{
		Kind:              out.Kind,
		HTTPStatus:        out.HTTPStatus,
		RetryAfterSeconds: int(out.RetryAfter / time.Second),
		TraceID:           out.TraceID,
	}
	if out.Err != nil {
		s.Message = out.Err.Error()
	} else if out.HTTPStatus > 0 {
		s.Message = "remote returned " + http.StatusText(out.HTTPStatus)
	}
	return s
}
