package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
	"github.com/Wei-Shaw/opsync/internal/store"
)

// ErrLockHeld 表示处理锁被其他存活进程占用。
var ErrLockHeld = infraerrors.Conflict("LOCK_HELD", "processing lock held by another process")

// LockRecord is the JSON value stored at meta/processing_lock.
type LockRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ProcessingLock enforces the single-writer rule over shared storage: only
// the holder may run the dispatch loop. Acquisition and renewal are CAS
// swaps on the stored record, so two processes can race safely.
type ProcessingLock struct {
	pm        store.PersistentMap
	clock     clock.WithTicker
	ttl       time.Duration
	heartbeat time.Duration
	holder    string
	log       *zap.Logger

	mu       sync.Mutex
	lastRaw  []byte
	held     bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

func NewProcessingLock(pm store.PersistentMap, clk clock.WithTicker, ttl, heartbeat time.Duration, log *zap.Logger) *ProcessingLock {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProcessingLock{
		pm:        pm,
		clock:     clk,
		ttl:       ttl,
		heartbeat: heartbeat,
		holder:    uuid.NewString(),
		log:       log,
	}
}

// Holder returns this process's lock identity.
func (l *ProcessingLock) Holder() string { return l.holder }

// TryAcquire attempts one acquisition round. It succeeds when no record
// exists or when the stored record has expired (stale holder takeover);
// otherwise it returns ErrLockHeld.
func (l *ProcessingLock) TryAcquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UTC()
	rec := LockRecord{Holder: l.holder, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}

	current, getErr := l.pm.Get(ctx, store.SpaceMeta, store.MetaKeyProcessingLock)
	switch {
	case getErr == nil:
		existing := LockRecord{}
		if err := json.Unmarshal(current, &existing); err == nil && existing.ExpiresAt.After(now) {
			return ErrLockHeld.WithMetadata(map[string]string{"holder": existing.Holder})
		}
		// 记录已过期或损坏：对旧值做 CAS 接管，防止两个进程同时接管。
		ok, casErr := l.pm.CompareAndSwap(ctx, store.SpaceMeta, store.MetaKeyProcessingLock, current, raw)
		if casErr != nil {
			return ErrQueueStorage.WithCause(casErr)
		}
		if !ok {
			return ErrLockHeld
		}
	case errors.Is(getErr, store.ErrNotFound):
		ok, casErr := l.pm.CompareAndSwap(ctx, store.SpaceMeta, store.MetaKeyProcessingLock, nil, raw)
		if casErr != nil {
			return ErrQueueStorage.WithCause(casErr)
		}
		if !ok {
			return ErrLockHeld
		}
	default:
		return ErrQueueStorage.WithCause(getErr)
	}

	l.lastRaw = raw
	l.held = true
	l.log.Info("processing lock acquired",
		zap.String("holder", l.holder),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return nil
}

// StartHeartbeat renews the lease on a ticker. onLost fires exactly once if
// a renewal CAS fails, meaning another process took the lock over.
func (l *ProcessingLock) StartHeartbeat(ctx context.Context, onLost func()) {
	l.mu.Lock()
	if !l.held || l.stopCh != nil {
		l.mu.Unlock()
		return
	}
	l.stopCh = make(chan struct{})
	l.stopOnce = &sync.Once{}
	stopCh := l.stopCh
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := l.clock.NewTicker(l.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := l.renew(ctx); err != nil {
					l.log.Error("processing lock lost", zap.Error(err))
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
}

func (l *ProcessingLock) renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrLockHeld
	}

	now := l.clock.Now().UTC()
	rec := LockRecord{Holder: l.holder, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}
	ok, err := l.pm.CompareAndSwap(ctx, store.SpaceMeta, store.MetaKeyProcessingLock, l.lastRaw, raw)
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}
	if !ok {
		l.held = false
		return ErrLockHeld
	}
	l.lastRaw = raw
	return nil
}

// Release stops the heartbeat and deletes the record, but only if we still
// hold it.
func (l *ProcessingLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stopCh != nil {
		stopOnce, stopCh := l.stopOnce, l.stopCh
		l.mu.Unlock()
		stopOnce.Do(func() { close(stopCh) })
		l.wg.Wait()
		l.mu.Lock()
		l.stopCh = nil
	}
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	ok, err := l.pm.CompareAndSwap(ctx, store.SpaceMeta, store.MetaKeyProcessingLock, l.lastRaw, nil)
	if err != nil {
		return ErrQueueStorage.WithCause(err)
	}
	if !ok {
		l.log.Warn("lock record changed before release; leaving it")
	}
	l.lastRaw = nil
	return nil
}

// Held reports whether this process believes it holds the lock.
func (l *ProcessingLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// ReadLock returns the stored record for inspection tooling; nil when no
// lock exists.
func ReadLock(ctx context.Context, pm store.PersistentMap) (*LockRecord, error) {
	raw, err := pm.Get(ctx, store.SpaceMeta, store.MetaKeyProcessingLock)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	rec := &LockRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, ErrQueueStorage.WithCause(err)
	}
	return rec, nil
}
