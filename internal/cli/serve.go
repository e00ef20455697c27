package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkops/lotsync/internal/config"
	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/httpapi"
	"github.com/parkops/lotsync/internal/model"
	"github.com/parkops/lotsync/internal/realtime"
	"github.com/parkops/lotsync/internal/shift"
	"github.com/parkops/lotsync/internal/stats"
	"github.com/parkops/lotsync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync engine and HTTP surface",
		Long: `Start the lotsync engine: open the SQLite database, start the
change dispatcher and connection manager, and serve the shift API.

Example:
  lotsync serve --db ./lotsync.db --addr :8484
  LOTSYNC_REALTIME_URL=ws://ops.example/realtime lotsync serve --db /var/lib/lotsync.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}

	rates, err := config.LoadRateCard(cfg.Facility.RateCardPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rate card", err)
	}

	log.Info("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	dispatcher := realtime.NewDispatcher(log, cfg.Realtime.DedupWindow)
	dispatcher.Start()

	offline := realtime.NewOfflineQueue(cfg.Realtime.QueueLimit, cfg.Realtime.MaxAttempts,
		realtime.NewBackoff(cfg.Realtime.BackoffBase, cfg.Realtime.BackoffCap, 0), log)

	manager := realtime.NewManager(realtime.ManagerConfig{
		URL:         cfg.Realtime.URL,
		DialTimeout: cfg.Realtime.DialTimeout,
		MaxRetries:  cfg.Realtime.MaxRetries,
		Backoff: realtime.NewBackoff(cfg.Realtime.BackoffBase,
			cfg.Realtime.BackoffCap, realtime.DefaultBackoffJitter),
	}, dispatcher, offline, log)
	defer manager.Disconnect()

	lifecycle := shift.New(st, &shift.DispatchBroadcaster{Dispatcher: dispatcher, Log: log}, log)

	// Derived metrics: recompute the full snapshot on every relevant
	// change event; no incremental counters to drift.
	aggregator := stats.New(rates, cfg.Facility.OverstayHours)
	statsSub := dispatcher.Subscribe("parking_entries", func(ev model.ChangeEvent) {
		entries, err := st.ListEntries(context.Background())
		if err != nil {
			log.Error("stats recompute failed", "error", err)
			return
		}
		snap := aggregator.Compute(entries)
		log.Debug("stats recomputed",
			"parked", snap.ParkedCount,
			"occupancy", snap.Occupancy(cfg.Facility.Capacity),
			"paid_revenue", stats.FormatAmount(snap.PaidRevenue))
	}, nil)
	defer dispatcher.Unsubscribe(statsSub)

	resolver, err := realtime.NewResolver(realtime.Policy(cfg.Realtime.ConflictPolicy))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}
	settingsSub := dispatcher.Subscribe("app_settings", func(ev model.ChangeEvent) {
		applySettingChange(context.Background(), st, resolver, ev, log)
	}, nil)
	defer dispatcher.Unsubscribe(settingsSub)

	api := httpapi.NewServer(lifecycle, st, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Connect(ctx); err != nil {
		log.Warn("realtime session not established", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "http shutdown failed", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "http server failed", err)
		}
	}
	return nil
}

// applySettingChange reconciles an inbound settings row against the
// local copy. The inbound write arrived on the store's change feed, so
// it counts as store-acknowledged; the local row stays a pending write
// until its own echo comes back. Under the manual policy conflicting
// values are surfaced in the log and nothing is applied.
func applySettingChange(ctx context.Context, st *store.Store, resolver *realtime.Resolver, ev model.ChangeEvent, log *slog.Logger) {
	var incoming model.SettingValue
	if err := json.Unmarshal(ev.NewPayload, &incoming); err != nil {
		log.Warn("dropping malformed setting change", "entity_id", ev.EntityID, "error", err)
		return
	}

	local, err := st.GetSetting(ctx, incoming.Key, incoming.Scope)
	if fault.IsNotFound(err) {
		if _, err := st.PutSetting(ctx, &incoming, 0, time.Now()); err != nil {
			log.Warn("failed to store new setting", "key", incoming.Key, "error", err)
		}
		return
	}
	if err != nil {
		log.Error("failed to read local setting", "key", incoming.Key, "error", err)
		return
	}
	if local.OriginID == incoming.OriginID && local.Version >= incoming.Version {
		// Echo of our own write coming back around.
		return
	}

	res := resolver.Resolve(
		realtime.Write{
			Key:       local.Key,
			Value:     local.Value,
			Timestamp: local.LastModified,
			OriginID:  local.OriginID,
		},
		realtime.Write{
			Key:          incoming.Key,
			Value:        incoming.Value,
			Timestamp:    incoming.LastModified,
			OriginID:     incoming.OriginID,
			Acknowledged: true,
		},
	)
	if res.Manual {
		log.Warn("setting conflict requires manual resolution",
			"key", incoming.Key,
			"local_value", res.Local.Value,
			"remote_value", res.Remote.Value)
		return
	}
	if res.Winner == nil || res.Winner.OriginID == local.OriginID {
		return
	}

	if _, err := st.PutSetting(ctx, &incoming, local.Version, time.Now()); err != nil {
		// A concurrent local write bumped the version; the next event
		// for this key re-resolves from fresh state.
		log.Warn("setting update lost a version race", "key", incoming.Key, "error", err)
	}
}
