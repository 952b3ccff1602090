package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Wei-Shaw/opsync/internal/config"
	"github.com/Wei-Shaw/opsync/internal/store"
	"github.com/Wei-Shaw/opsync/internal/syncq"
)

func TestConfirmTokenIsMinuteBound(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 30, 59, 0, time.UTC)
	token := confirmToken(at)
	require.Regexp(t, `^[0-9a-f]{8}-[0-9]+$`, token)

	require.NoError(t, checkConfirm(token, at))
	// Still valid in the following minute, then it expires.
	require.NoError(t, checkConfirm(token, at.Add(time.Minute)))
	require.ErrorIs(t, checkConfirm(token, at.Add(2*time.Minute)), errConfirm)

	// Tokens from the future are rejected too.
	require.ErrorIs(t, checkConfirm(confirmToken(at.Add(5*time.Minute)), at), errConfirm)
	require.ErrorIs(t, checkConfirm("", at), errConfirm)
	require.ErrorIs(t, checkConfirm("not-a-token", at), errConfirm)
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, exitUsage, exitCode(errUsage))
	require.Equal(t, exitDataErr, exitCode(errConfirm))
	require.Equal(t, exitDataErr, exitCode(syncq.ErrOpNotFound))
	require.Equal(t, exitDataErr, exitCode(syncq.ErrLockHeld))
	require.Equal(t, exitDataErr, exitCode(store.ErrSchemaVersion))
	require.Equal(t, exitSoftware, exitCode(context.Canceled))
}

func TestBuildReport(t *testing.T) {
	ctx := context.Background()
	pm := store.NewMemory()
	clk := clocktesting.NewFakeClock(time.Now().Add(-2 * time.Minute))

	q, err := syncq.OpenQueue(ctx, pm, clk, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &syncq.PendingOp{ID: "op-1", OpType: syncq.OpCreate, EntityType: "task", EntityID: "e-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &syncq.PendingOp{ID: "op-2", OpType: syncq.OpUpdate, EntityType: "task", EntityID: "e-2", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	_, err = q.MarkInFlight(ctx, "op-2")
	require.NoError(t, err)
	_, err = q.ArchiveToFailed(ctx, "op-2", syncq.KindValidation, &syncq.ErrorSummary{Kind: syncq.KindValidation})
	require.NoError(t, err)

	cfg := config.Config{
		Storage: config.StorageConfig{Path: "mem"},
		Metrics: config.MetricsConfig{MaxQueueDepth: 1, MaxOldestPendingSecs: 60},
	}
	report, err := buildReport(ctx, cfg, pm, 10)
	require.NoError(t, err)

	require.Equal(t, 1, report.Depth)
	require.Equal(t, map[string]int{"queued": 1}, report.Pending)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.FailedOps, 1)
	require.Equal(t, "op-2", report.FailedOps[0].ID)
	require.GreaterOrEqual(t, report.OldestSecs, 60)
	// Depth threshold not breached (1 > 1 is false); age threshold is.
	require.Len(t, report.Warnings, 1)
}

func TestRequireNoLiveLock(t *testing.T) {
	ctx := context.Background()
	pm := store.NewMemory()
	require.NoError(t, requireNoLiveLock(ctx, pm))

	clk := clocktesting.NewFakeClock(time.Now())
	lock := syncq.NewProcessingLock(pm, clk, 2*time.Minute, 40*time.Second, nil)
	require.NoError(t, lock.TryAcquire(ctx))
	require.ErrorIs(t, requireNoLiveLock(ctx, pm), syncq.ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, requireNoLiveLock(ctx, pm))
}
