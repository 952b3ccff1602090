package syncq

import (
	"sync"
)

type overlay struct {
	opID    string
	opType  OpType
	payload map[string]any
}

// txnHooks are the app callbacks linked to an optimistic UI change. They
// live in memory only; after a restart the linked ops simply reprocess
// without hooks.
type txnHooks struct {
	commit   func()
	rollback func()
}

// OptimisticStore is the in-memory projection the UI reads: the confirmed
// server state per entity plus the ordered overlays of not-yet-synced ops.
// Confirming or rolling back an op removes its overlay, so the view always
// converges to the server state once the queue drains.
type OptimisticStore struct {
	mu       sync.RWMutex
	base     map[string]map[string]any
	overlays map[string][]overlay
	hooks    map[string]txnHooks
}

func NewOptimisticStore() *OptimisticStore {
	return &OptimisticStore{
		base:     make(map[string]map[string]any),
		overlays: make(map[string][]overlay),
		hooks:    make(map[string]txnHooks),
	}
}

// Register links app-side commit/rollback callbacks to a txn token. The
// engine fires commit when the linked op succeeds and rollback when it is
// archived to failed.
func (s *OptimisticStore) Register(txnToken string, rollback, commit func()) {
	if txnToken == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[txnToken] = txnHooks{commit: commit, rollback: rollback}
}

// CommitTxn runs and removes the commit hook; unknown tokens are a no-op.
func (s *OptimisticStore) CommitTxn(txnToken string) {
	if fn := s.takeHook(txnToken, true); fn != nil {
		fn()
	}
}

// RollbackTxn runs and removes the rollback hook; unknown tokens are a
// no-op.
func (s *OptimisticStore) RollbackTxn(txnToken string) {
	if fn := s.takeHook(txnToken, false); fn != nil {
		fn()
	}
}

func (s *OptimisticStore) takeHook(txnToken string, commit bool) func() {
	if txnToken == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[txnToken]
	if !ok {
		return nil
	}
	delete(s.hooks, txnToken)
	if commit {
		return h.commit
	}
	return h.rollback
}

// SetBase installs the confirmed server state for an entity.
func (s *OptimisticStore) SetBase(entityID string, state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		delete(s.base, entityID)
		return
	}
	s.base[entityID] = cloneAnyMap(state)
}

// Base returns the confirmed server state; the enqueue path uses it as the
// merge base for UPDATEs.
func (s *OptimisticStore) Base(entityID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAnyMap(s.base[entityID])
}

// Apply records the op's optimistic effect so reads reflect it immediately.
func (s *OptimisticStore) Apply(op *PendingOp) {
	if op.EntityID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[op.EntityID] = append(s.overlays[op.EntityID], overlay{
		opID:    op.ID,
		opType:  op.OpType,
		payload: cloneAnyMap(op.Payload),
	})
}

// Confirm removes the op's overlay and, when the server returned the
// resulting entity, promotes it to the confirmed base.
func (s *OptimisticStore) Confirm(entityID, opID string, remote map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOverlayLocked(entityID, opID)
	if remote != nil {
		s.base[entityID] = cloneAnyMap(remote)
	}
}

// ConfirmDeleted removes the overlay and the confirmed state together.
func (s *OptimisticStore) ConfirmDeleted(entityID, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOverlayLocked(entityID, opID)
	delete(s.base, entityID)
}

// Rollback removes the op's overlay without touching the base: the UI falls
// back to the last confirmed state.
func (s *OptimisticStore) Rollback(entityID, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOverlayLocked(entityID, opID)
}

// ReplaceOverlay swaps the payload under an existing overlay; used when a
// conflict merge rewrites the op in place.
func (s *OptimisticStore) ReplaceOverlay(entityID, opID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.overlays[entityID] {
		if s.overlays[entityID][i].opID == opID {
			s.overlays[entityID][i].payload = cloneAnyMap(payload)
			return
		}
	}
}

// Get returns the entity as the UI should render it: confirmed base with
// pending overlays folded in. ok is false when the entity does not exist
// in this view (never created, or optimistically deleted).
func (s *OptimisticStore) Get(entityID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := cloneAnyMap(s.base[entityID])
	exists := state != nil
	for _, ov := range s.overlays[entityID] {
		switch ov.opType {
		case OpCreate:
			state = cloneAnyMap(ov.payload)
			exists = true
		case OpUpdate:
			if state == nil {
				state = make(map[string]any, len(ov.payload))
			}
			for k, v := range ov.payload {
				state[k] = v
			}
			exists = true
		case OpDelete:
			state = nil
			exists = false
		}
	}
	if !exists {
		return nil, false
	}
	return state, true
}

// PendingFor reports how many overlays an entity still carries.
func (s *OptimisticStore) PendingFor(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlays[entityID])
}

func (s *OptimisticStore) dropOverlayLocked(entityID, opID string) {
	ovs := s.overlays[entityID]
	kept := ovs[:0]
	for _, ov := range ovs {
		if ov.opID != opID {
			kept = append(kept, ov)
		}
	}
	if len(kept) == 0 {
		delete(s.overlays, entityID)
	} else {
		s.overlays[entityID] = kept
	}
}
