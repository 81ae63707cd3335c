// Command persistence runs the Persistence Service: the sqlite-backed
// store behind the internal API (§6.2) and sync REST surface (§6.3).
// Grounded on the teacher's server binary shape (config load, listen,
// signal-triggered graceful shutdown) even though that binary's source
// file itself wasn't part of the copied tree -- server/shutdown.go's
// signalHandler idiom is what's reused here.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumi-chat/gateway/internal/config"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/persistenceapi"
	"github.com/lumi-chat/gateway/internal/reaper"
	"github.com/lumi-chat/gateway/internal/sqlitestore"
)

// offlineReapInterval is how often the 7-day-TTL offline queue sweep
// runs (§4.6 "Expiration"); unlike the heartbeat reaper this has no
// latency requirement, so an hourly cadence is plenty.
const offlineReapInterval = time.Hour

var rootCmd = &cobra.Command{
	Use:   "persistence",
	Short: "Runs the Lumi-Chat Persistence Service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPersistence()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPersistence() error {
	cfg, err := config.LoadPersistence()
	if err != nil {
		return err
	}

	st, err := sqlitestore.New(cfg.WorkerID)
	if err != nil {
		return err
	}
	if err := st.Open(cfg.SqliteDSN); err != nil {
		return err
	}
	defer st.Close()

	api := persistenceapi.New(st, cfg.ServiceToken, cfg.RecallWindow(), cfg.OfflineTTL())

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	err = reaper.RunGroup(ctx,
		func(ctx context.Context) error {
			return api.ReapExpiredOfflineQueue(ctx, offlineReapInterval)
		},
		func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := httpSrv.Shutdown(shutdownCtx); err != nil {
					logging.Warnf("persistence: http shutdown: %v", err)
				}
			}()
			logging.Infof("persistence: listening on %s", cfg.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
