package syncq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptimisticCreateThenConfirm(t *testing.T) {
	s := NewOptimisticStore()

	_, ok := s.Get("e-1")
	require.False(t, ok)

	s.Apply(op("op-1", OpCreate, "e-1", map[string]any{"title": "draft"}))
	got, ok := s.Get("e-1")
	require.True(t, ok)
	require.Equal(t, "draft", got["title"])

	// Server assigned fields on create.
	s.Confirm("e-1", "op-1", map[string]any{"id": "e-1", "title": "draft", "rev": float64(1)})
	got, ok = s.Get("e-1")
	require.True(t, ok)
	require.Equal(t, float64(1), got["rev"])
	require.Equal(t, 0, s.PendingFor("e-1"))
}

func TestOptimisticUpdateOverlaysBase(t *testing.T) {
	s := NewOptimisticStore()
	s.SetBase("e-1", map[string]any{"title": "server", "status": "open"})

	s.Apply(op("op-1", OpUpdate, "e-1", map[string]any{"title": "local"}))
	got, ok := s.Get("e-1")
	require.True(t, ok)
	require.Equal(t, "local", got["title"])
	require.Equal(t, "open", got["status"])

	// Rollback restores the confirmed view.
	s.Rollback("e-1", "op-1")
	got, _ = s.Get("e-1")
	require.Equal(t, "server", got["title"])
}

func TestOptimisticDeleteHidesEntity(t *testing.T) {
	s := NewOptimisticStore()
	s.SetBase("e-1", map[string]any{"title": "server"})

	s.Apply(op("op-1", OpDelete, "e-1", nil))
	_, ok := s.Get("e-1")
	require.False(t, ok)

	s.ConfirmDeleted("e-1", "op-1")
	_, ok = s.Get("e-1")
	require.False(t, ok)
	require.Nil(t, s.Base("e-1"))
}

func TestOptimisticStackedOverlaysInOrder(t *testing.T) {
	s := NewOptimisticStore()
	s.SetBase("e-1", map[string]any{"a": "base", "b": "base"})

	s.Apply(op("op-1", OpUpdate, "e-1", map[string]any{"a": "first"}))
	s.Apply(op("op-2", OpUpdate, "e-1", map[string]any{"a": "second", "b": "second"}))

	got, _ := s.Get("e-1")
	require.Equal(t, "second", got["a"])
	require.Equal(t, "second", got["b"])

	// Dropping the newer overlay re-exposes the older one.
	s.Rollback("e-1", "op-2")
	got, _ = s.Get("e-1")
	require.Equal(t, "first", got["a"])
	require.Equal(t, "base", got["b"])
}

func TestOptimisticReplaceOverlay(t *testing.T) {
	s := NewOptimisticStore()
	s.Apply(op("op-1", OpUpdate, "e-1", map[string]any{"title": "local"}))
	s.ReplaceOverlay("e-1", "op-1", map[string]any{"title": "merged", "status": "closed"})

	got, ok := s.Get("e-1")
	require.True(t, ok)
	require.Equal(t, "merged", got["title"])
	require.Equal(t, "closed", got["status"])
}

func TestOptimisticTxnHooks(t *testing.T) {
	s := NewOptimisticStore()

	var committed, rolledBack int
	s.Register("txn-1", func() { rolledBack++ }, func() { committed++ })
	s.Register("txn-2", func() { rolledBack++ }, func() { committed++ })

	s.CommitTxn("txn-1")
	require.Equal(t, 1, committed)
	require.Equal(t, 0, rolledBack)

	// Hooks fire at most once per token.
	s.CommitTxn("txn-1")
	s.RollbackTxn("txn-1")
	require.Equal(t, 1, committed)
	require.Equal(t, 0, rolledBack)

	s.RollbackTxn("txn-2")
	require.Equal(t, 1, rolledBack)

	// Unknown or empty tokens are no-ops.
	s.CommitTxn("never-registered")
	s.RollbackTxn("")
	s.Register("", nil, func() { committed++ })
	s.CommitTxn("")
	require.Equal(t, 1, committed)
}

func TestOptimisticBaseIsCopied(t *testing.T) {
	s := NewOptimisticStore()
	orig := map[string]any{"title": "x"}
	s.SetBase("e-1", orig)
	orig["title"] = "mutated"

	base := s.Base("e-1")
	require.Equal(t, "x", base["title"])
	base["title"] = "mutated-too"
	again := s.Base("e-1")
	require.Equal(t, "x", again["title"])
}
