// Package reaper implements G7's closing half: a scheduled sweep that
// disconnects any session gone silent for too long. The HEARTBEAT_RESPONSE
// side lives in gatewaysession, which already stamps each session's
// lastHeartbeatAt; this package only watches that clock. Grounded on the
// teacher's hub.go run loop idiom (a single goroutine woken on a timer),
// generalized from an event-driven select to a ticking sweep since the
// teacher's Hub has no analogous periodic liveness check.
package reaper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/metrics"
	"github.com/lumi-chat/gateway/internal/registry"
)

// Config is the §4.7 schedule: a session silent longer than Timeout is
// reaped, and the sweep itself runs every SweepInterval.
type Config struct {
	SweepInterval time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns the §4.7 defaults (15s sweep, 90s timeout).
func DefaultConfig() Config {
	return Config{SweepInterval: 15 * time.Second, Timeout: 90 * time.Second}
}

// heartbeating is the extra method a registry.Handle needs for this
// sweep to consider it; gatewaysession.Session exposes it.
type heartbeating interface {
	LastHeartbeatAt() time.Time
}

// Reaper periodically closes sessions that have gone silent past
// Config.Timeout.
type Reaper struct {
	cfg Config
	reg *registry.Registry
}

// New builds a Reaper sweeping reg on cfg's schedule.
func New(cfg Config, reg *registry.Registry) *Reaper {
	return &Reaper{cfg: cfg, reg: reg}
}

// Run blocks, sweeping every cfg.SweepInterval until ctx is cancelled.
// cmd/gateway runs it under RunGroup alongside the HTTP server and, when
// clustered, the cluster link loop, so any one of them stopping cancels
// the others via the shared context.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	now := time.Now()
	for _, h := range r.reg.All() {
		hb, ok := h.(heartbeating)
		if !ok {
			continue
		}
		if silent := now.Sub(hb.LastHeartbeatAt()); silent > r.cfg.Timeout {
			logging.Infof("reaper: closing %s/%s, silent for %s", h.UserID(), h.DeviceID(), silent)
			metrics.SessionsReaped.Inc()
			h.Close()
		}
	}
}

// RunGroup starts every fn under one errgroup.Group sharing ctx, cancels
// that shared context as soon as any of them returns (with or without an
// error), and returns the first non-nil error once all have returned.
// cmd/gateway uses it for the heartbeat reaper, the HTTP server and the
// cluster link loop; cmd/persistence for the offline-queue reaper and its
// HTTP server.
func RunGroup(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			defer cancel()
			return fn(ctx)
		})
	}
	return g.Wait()
}
