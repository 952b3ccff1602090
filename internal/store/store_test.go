package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func openBoth(t *testing.T) map[string]PersistentMap {
	t.Helper()
	ctx := context.Background()
	sq, err := OpenSQLite(ctx, SQLiteOptions{Path: filepath.Join(t.TempDir(), "opsync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]PersistentMap{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, m := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := m.Get(ctx, SpacePending, "op-1")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, m.Put(ctx, SpacePending, "op-1", []byte(`{"id":"op-1"}`)))
			got, err := m.Get(ctx, SpacePending, "op-1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"op-1"}`, string(got))

			// Overwrite is allowed.
			require.NoError(t, m.Put(ctx, SpacePending, "op-1", []byte(`{"id":"op-1","v":2}`)))
			got, err = m.Get(ctx, SpacePending, "op-1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"op-1","v":2}`, string(got))

			require.NoError(t, m.Delete(ctx, SpacePending, "op-1"))
			_, err = m.Get(ctx, SpacePending, "op-1")
			require.ErrorIs(t, err, ErrNotFound)

			// Delete of a missing key is a no-op.
			require.NoError(t, m.Delete(ctx, SpacePending, "op-1"))
		})
	}
}

func TestSpacesAreIsolated(t *testing.T) {
	for name, m := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, m.Put(ctx, SpacePending, "x", []byte("pending")))
			require.NoError(t, m.Put(ctx, SpaceFailed, "x", []byte("failed")))

			got, err := m.Get(ctx, SpacePending, "x")
			require.NoError(t, err)
			require.Equal(t, "pending", string(got))
			got, err = m.Get(ctx, SpaceFailed, "x")
			require.NoError(t, err)
			require.Equal(t, "failed", string(got))
		})
	}
}

func TestScanOrderAndEarlyStop(t *testing.T) {
	for name, m := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, m.Put(ctx, SpaceIndex, "k"+strconv.Itoa(i), []byte{byte(i)}))
			}

			var keys []string
			require.NoError(t, m.Scan(ctx, SpaceIndex, func(key string, _ []byte) error {
				keys = append(keys, key)
				return nil
			}))
			require.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, keys)

			count := 0
			stop := context.Canceled
			err := m.Scan(ctx, SpaceIndex, func(string, []byte) error {
				count++
				if count == 2 {
					return stop
				}
				return nil
			})
			require.ErrorIs(t, err, stop)
			require.Equal(t, 2, count)
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	for name, m := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Create-if-absent.
			ok, err := m.CompareAndSwap(ctx, SpaceMeta, MetaKeyProcessingLock, nil, []byte("a"))
			require.NoError(t, err)
			require.True(t, ok)

			// Second create fails.
			ok, err = m.CompareAndSwap(ctx, SpaceMeta, MetaKeyProcessingLock, nil, []byte("b"))
			require.NoError(t, err)
			require.False(t, ok)

			// Swap with wrong prior value fails.
			ok, err = m.CompareAndSwap(ctx, SpaceMeta, MetaKeyProcessingLock, []byte("z"), []byte("b"))
			require.NoError(t, err)
			require.False(t, ok)

			// Swap with right prior value succeeds.
			ok, err = m.CompareAndSwap(ctx, SpaceMeta, MetaKeyProcessingLock, []byte("a"), []byte("b"))
			require.NoError(t, err)
			require.True(t, ok)

			// Conditional delete.
			ok, err = m.CompareAndSwap(ctx, SpaceMeta, MetaKeyProcessingLock, []byte("b"), nil)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = m.Get(ctx, SpaceMeta, MetaKeyProcessingLock)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "opsync.db")

	m, err := OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, SpacePending, "op-1", []byte("v")))
	require.NoError(t, m.Close())

	m, err = OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	got, err := m.Get(ctx, SpacePending, "op-1")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))

	// Schema version row was written at create time.
	raw, err := m.Get(ctx, SpaceMeta, MetaKeySchemaVersion)
	require.NoError(t, err)
	require.Equal(t, "1", string(raw))
}

func TestSQLiteRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "opsync.db")

	m, err := OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, SpaceMeta, MetaKeySchemaVersion, []byte("99")))
	require.NoError(t, m.Close())

	_, err = OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.ErrorIs(t, err, ErrSchemaVersion)
}
