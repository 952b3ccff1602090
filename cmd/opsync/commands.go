package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/Wei-Shaw/opsync/internal/config"
	"github.com/Wei-Shaw/opsync/internal/store"
	"github.com/Wei-Shaw/opsync/internal/syncq"
)

type cfgLoader func() (config.Config, error)

func openStore(ctx context.Context, cfg config.Config) (store.PersistentMap, error) {
	return store.OpenSQLite(ctx, store.SQLiteOptions{
		Path:          cfg.Storage.Path,
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
	})
}

// requireNoLiveLock refuses to mutate storage owned by a running engine.
func requireNoLiveLock(ctx context.Context, pm store.PersistentMap) error {
	rec, err := syncq.ReadLock(ctx, pm)
	if err != nil {
		return err
	}
	if rec != nil && rec.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: processing lock held by %s until %s; stop the engine first",
			syncq.ErrLockHeld, rec.Holder, rec.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// inspectReport is the machine-readable form of the inspect output.
type inspectReport struct {
	DBPath     string              `json:"db_path"`
	Pending    map[string]int      `json:"pending_by_status"`
	Depth      int                 `json:"queue_depth"`
	Failed     int                 `json:"failed_depth"`
	OldestSecs int                 `json:"oldest_pending_seconds"`
	Lock       *syncq.LockRecord   `json:"lock,omitempty"`
	Engine     *syncq.EngineStatus `json:"engine,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	FailedOps  []*syncq.ArchivedOp `json:"failed_ops,omitempty"`
}

func buildReport(ctx context.Context, cfg config.Config, pm store.PersistentMap, listFailed int) (*inspectReport, error) {
	report := &inspectReport{
		DBPath:  cfg.Storage.Path,
		Pending: map[string]int{},
	}

	now := time.Now().UTC()
	var oldest time.Time
	err := pm.Scan(ctx, store.SpacePending, func(_ string, value []byte) error {
		op := syncq.PendingOp{}
		if err := json.Unmarshal(value, &op); err != nil {
			report.Pending["undecodable"]++
			return nil
		}
		report.Pending[string(op.Status)]++
		report.Depth++
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !oldest.IsZero() {
		report.OldestSecs = int(now.Sub(oldest) / time.Second)
	}

	err = pm.Scan(ctx, store.SpaceFailed, func(_ string, value []byte) error {
		report.Failed++
		if listFailed > 0 && len(report.FailedOps) < listFailed {
			a := &syncq.ArchivedOp{}
			if json.Unmarshal(value, a) == nil {
				report.FailedOps = append(report.FailedOps, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Lock, err = syncq.ReadLock(ctx, pm)
	if err != nil {
		return nil, err
	}
	report.Engine, err = syncq.ReadEngineStatus(ctx, pm)
	if err != nil {
		return nil, err
	}

	var maxAge time.Duration
	if cfg.Metrics.MaxOldestPendingSecs > 0 {
		maxAge = time.Duration(cfg.Metrics.MaxOldestPendingSecs) * time.Second
	}
	report.Warnings = thresholdWarnings(cfg, report, maxAge)
	return report, nil
}

func thresholdWarnings(cfg config.Config, report *inspectReport, maxAge time.Duration) []string {
	var warnings []string
	if cfg.Metrics.MaxQueueDepth > 0 && report.Depth > cfg.Metrics.MaxQueueDepth {
		warnings = append(warnings, fmt.Sprintf("queue depth %d above threshold %d", report.Depth, cfg.Metrics.MaxQueueDepth))
	}
	if cfg.Metrics.MaxFailedDepth > 0 && report.Failed > cfg.Metrics.MaxFailedDepth {
		warnings = append(warnings, fmt.Sprintf("failed depth %d above threshold %d", report.Failed, cfg.Metrics.MaxFailedDepth))
	}
	if maxAge > 0 && time.Duration(report.OldestSecs)*time.Second > maxAge {
		warnings = append(warnings, fmt.Sprintf("oldest pending op older than %s", maxAge))
	}
	return warnings
}

func newInspectCmd(load cfgLoader) *cobra.Command {
	var (
		asJSON     bool
		serveAddr  string
		listFailed int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show queue depth, lock holder, and last engine status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			defer initLogging(cfg)()

			ctx := cmd.Context()
			pm, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = pm.Close() }()

			if serveAddr != "" {
				return serveInspect(ctx, cfg, pm, serveAddr, listFailed)
			}

			report, err := buildReport(ctx, cfg, pm, listFailed)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "serve /status and /metrics on this address instead of printing")
	cmd.Flags().IntVar(&listFailed, "failed", 0, "include up to N archived failed ops")
	return cmd
}

func printReport(r *inspectReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "db\t%s\n", r.DBPath)
	fmt.Fprintf(w, "queue depth\t%d\n", r.Depth)
	for status, n := range r.Pending {
		fmt.Fprintf(w, "  %s\t%d\n", status, n)
	}
	fmt.Fprintf(w, "failed depth\t%d\n", r.Failed)
	fmt.Fprintf(w, "oldest pending\t%ds\n", r.OldestSecs)
	if r.Lock != nil {
		fmt.Fprintf(w, "lock holder\t%s (expires %s)\n", r.Lock.Holder, r.Lock.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "lock holder\t-\n")
	}
	if r.Engine != nil {
		fmt.Fprintf(w, "engine running\t%v\n", r.Engine.Running)
		fmt.Fprintf(w, "breaker\t%s\n", r.Engine.Breaker)
		if r.Engine.FatalReason != "" {
			fmt.Fprintf(w, "fatal\t%s\n", r.Engine.FatalReason)
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "WARNING\t%s\n", warning)
	}
	for _, a := range r.FailedOps {
		kind := ""
		if a.LastError != nil {
			kind = a.LastError.Kind
		}
		fmt.Fprintf(w, "failed op\t%s\t%s\t%s\t%s\n", a.ID, a.EntityType, a.ArchivedReason, kind)
	}
	_ = w.Flush()
}

func serveInspect(ctx context.Context, cfg config.Config, pm store.PersistentMap, addr string, listFailed int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		report, err := buildReport(r.Context(), cfg, pm, listFailed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "serving status on %s\n", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newRebuildIndexCmd(load cfgLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Reconstruct the entity index from the pending queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			defer initLogging(cfg)()

			ctx := cmd.Context()
			pm, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = pm.Close() }()
			if err := requireNoLiveLock(ctx, pm); err != nil {
				return err
			}

			// OpenQueue already rebuilds and persists the index.
			q, err := syncq.OpenQueue(ctx, pm, clock.RealClock{}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("index rebuilt over %d pending ops\n", q.Size())
			return nil
		},
	}
}

// confirmToken mints the short-lived value destructive commands demand, so
// a stale shell history line cannot re-run them. Only the minute suffix is
// validated; the random prefix keeps tokens from colliding in logs.
func confirmToken(now time.Time) string {
	return uuid.NewString()[:8] + "-" + strconv.FormatInt(now.UTC().Unix()/60, 10)
}

// checkConfirm accepts tokens minted in the current or previous minute.
func checkConfirm(given string, now time.Time) error {
	if i := strings.LastIndex(given, "-"); i >= 0 {
		if m, err := strconv.ParseInt(given[i+1:], 10, 64); err == nil {
			cur := now.UTC().Unix() / 60
			if m == cur || m == cur-1 {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: pass --confirm %s (expires in under two minutes)", errConfirm, confirmToken(now))
}

func newRetryFailedCmd(load cfgLoader) *cobra.Command {
	var (
		opID    string
		all     bool
		confirm string
	)
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Move archived failed ops back into the pending queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opID == "") == !all {
				return fmt.Errorf("%w: pass exactly one of --id or --all", errUsage)
			}
			if err := checkConfirm(confirm, time.Now()); err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			defer initLogging(cfg)()

			ctx := cmd.Context()
			pm, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = pm.Close() }()
			if err := requireNoLiveLock(ctx, pm); err != nil {
				return err
			}

			q, err := syncq.OpenQueue(ctx, pm, clock.RealClock{}, nil)
			if err != nil {
				return err
			}

			var ids []string
			if all {
				archived, err := q.ListFailed(ctx, 0)
				if err != nil {
					return err
				}
				for _, a := range archived {
					ids = append(ids, a.ID)
				}
			} else {
				ids = []string{opID}
			}

			retried := 0
			for _, id := range ids {
				if _, err := q.RetryFromFailed(ctx, id); err != nil {
					return err
				}
				retried++
			}
			fmt.Printf("requeued %d op(s)\n", retried)
			return nil
		},
	}
	cmd.Flags().StringVar(&opID, "id", "", "retry a single archived op")
	cmd.Flags().BoolVar(&all, "all", false, "retry every archived op")
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token (run without it to get one)")
	return cmd
}

func newPurgeFailedCmd(load cfgLoader) *cobra.Command {
	var (
		opID    string
		all     bool
		confirm string
	)
	cmd := &cobra.Command{
		Use:   "purge-failed",
		Short: "Delete archived failed ops permanently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opID == "") == !all {
				return fmt.Errorf("%w: pass exactly one of --id or --all", errUsage)
			}
			if err := checkConfirm(confirm, time.Now()); err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			defer initLogging(cfg)()

			ctx := cmd.Context()
			pm, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = pm.Close() }()
			if err := requireNoLiveLock(ctx, pm); err != nil {
				return err
			}

			q, err := syncq.OpenQueue(ctx, pm, clock.RealClock{}, nil)
			if err != nil {
				return err
			}
			var ids []string
			if !all {
				ids = []string{opID}
			}
			removed, err := q.PurgeFailed(ctx, ids)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d op(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&opID, "id", "", "purge a single archived op")
	cmd.Flags().BoolVar(&all, "all", false, "purge every archived op")
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token (run without it to get one)")
	return cmd
}
