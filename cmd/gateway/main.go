// Command gateway runs one Gateway node: the WebSocket edge that upgrades
// client connections, runs the LOGIN handshake, routes chat traffic, and
// drains offline queues, plus the heartbeat reaper and (if peers are
// configured) the cross-node pub/sub link. Grounded on the teacher's
// server binary shape the same way cmd/persistence is.
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

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/auth"
	"github.com/lumi-chat/gateway/internal/cluster"
	"github.com/lumi-chat/gateway/internal/config"
	"github.com/lumi-chat/gateway/internal/gatewaysession"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/offlineq"
	"github.com/lumi-chat/gateway/internal/reaper"
	"github.com/lumi-chat/gateway/internal/registry"
	"github.com/lumi-chat/gateway/internal/router"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Runs a Lumi-Chat Gateway node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

// coordinatorProxy forwards to registry.NoopCoordinator until target is
// set, then to target. It exists only to break the Registry/Cluster
// construction cycle in main and is never reassigned once the Gateway
// starts serving, so it needs no locking.
type coordinatorProxy struct {
	target registry.Coordinator
}

func (p *coordinatorProxy) PublishOnline(userID, deviceID string) {
	p.coordinator().PublishOnline(userID, deviceID)
}

func (p *coordinatorProxy) PublishOffline(userID string) {
	p.coordinator().PublishOffline(userID)
}

func (p *coordinatorProxy) RemoteDevices(userID string) []string {
	return p.coordinator().RemoteDevices(userID)
}

func (p *coordinatorProxy) coordinator() registry.Coordinator {
	if p.target == nil {
		return registry.NoopCoordinator{}
	}
	return p.target
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway() error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}

	api := apiclient.New(cfg.PersistenceURL, cfg.PersistenceServiceToken)
	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret))

	// cluster.Cluster needs the Registry to gossip local presence, and
	// the Registry needs a Coordinator to publish through -- a
	// construction cycle. coord breaks it: the Registry is built once
	// against coord, and coord starts forwarding to the real Cluster
	// once it exists, before anything can observe the gap.
	coord := &coordinatorProxy{}
	reg := registry.New(coord)
	var clusterCluster router.Cluster = router.NoopCluster{}
	var node *cluster.Cluster

	if len(cfg.PeerAddrs) > 0 {
		node = cluster.New(cluster.Config{Self: cfg.NodeID, PeerAddrs: cfg.PeerAddrs}, reg)
		coord.target = node
		clusterCluster = node
	}

	rtr := router.New(reg, clusterCluster, api, 30*time.Second)
	offlineMgr := offlineq.New(api)

	sessionCfg := gatewaysession.DefaultConfig()
	sessionCfg.MaxFrameBytes = int64(cfg.MaxFrameBytes)
	sessionCfg.HeartbeatTimeout = cfg.HeartbeatTimeout()
	sessionCfg.OutboundQueueCapacity = cfg.OutboundQueueCapacity

	handler := gatewaysession.NewHandler(sessionCfg, reg, rtr, api, validator, offlineMgr)

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, handler)
	if node != nil {
		mux.Handle("/internal/cluster", node.Handler())
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	hbReaper := reaper.New(reaper.DefaultConfig(), reg)

	tasks := []func(context.Context) error{
		hbReaper.Run,
		func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := httpSrv.Shutdown(shutdownCtx); err != nil {
					logging.Warnf("gateway: http shutdown: %v", err)
				}
			}()
			logging.Infof("gateway: listening on %s (ws path %s)", cfg.ListenAddr, cfg.WSPath)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	if node != nil {
		tasks = append(tasks, node.Run)
	}

	if err := reaper.RunGroup(ctx, tasks...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
