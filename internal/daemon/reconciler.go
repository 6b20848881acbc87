// Package daemon implements the reconciler: the top-level control loop
// that owns monitor lifecycles, the event bus, and the dispatcher.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/dispatch"
	"github.com/tunnelguard/tunnelguard/internal/monitor"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// HeartbeatWriter records daemon liveness for the status command.
type HeartbeatWriter interface {
	UpdateHeartbeat(pid int, version string) error
}

const heartbeatInterval = 30 * time.Second

// Reconciler schedules the three monitors on their own cadences and
// bridges their events into the dispatcher. Monitor intervals are fixed
// from the policy active at startup; a reload swaps the enforced state
// but does not re-arm tickers, so a hostile reload stream cannot thrash
// the scheduler.
type Reconciler struct {
	store      *policy.Store
	bus        *bus.Bus
	service    *monitor.ServiceMonitor
	files      *monitor.FileIntegrityMonitor
	network    *monitor.NetworkEnforcer
	dispatcher *dispatch.Dispatcher
	heartbeat  HeartbeatWriter
	version    string
	log        *zap.Logger
}

// New creates a reconciler over already-wired components.
func New(
	store *policy.Store,
	b *bus.Bus,
	service *monitor.ServiceMonitor,
	files *monitor.FileIntegrityMonitor,
	network *monitor.NetworkEnforcer,
	dispatcher *dispatch.Dispatcher,
	heartbeat HeartbeatWriter,
	version string,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:      store,
		bus:        b,
		service:    service,
		files:      files,
		network:    network,
		dispatcher: dispatcher,
		heartbeat:  heartbeat,
		version:    version,
		log:        log,
	}
}

// Reload re-reads the policy document. On success the service restart
// budget is re-armed; on failure the previous snapshot stays active and
// enforcement is never interrupted.
func (r *Reconciler) Reload() {
	if err := r.store.Reload(); err != nil {
		r.log.Error("policy reload failed, keeping previous policy", zap.Error(err))
		return
	}
	r.service.Reset()
	r.log.Info("policy reloaded", zap.String("path", r.store.Path()))
}

// Run blocks until ctx is canceled or the dispatcher reports a fatal
// audit failure. Shutdown is cooperative: monitors finish their current
// tick within the policy's grace period, the bus is closed, and the
// dispatcher drains before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	tun := r.store.Current().Tunables

	monCtx, cancelMonitors := context.WithCancel(ctx)
	defer cancelMonitors()

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- r.dispatcher.Run(context.Background())
	}()

	var wg sync.WaitGroup
	r.startMonitors(monCtx, &wg, tun)

	r.log.Info("reconciler started",
		zap.Int("pid", os.Getpid()),
		zap.String("version", r.version),
		zap.Duration("service_interval", time.Duration(tun.ServiceInterval)),
		zap.Duration("file_scan_interval", time.Duration(tun.FileScanInterval)),
		zap.Duration("network_interval", time.Duration(tun.NetworkInterval)))

	select {
	case err := <-dispatcherDone:
		// Only an audit append failure lands here before shutdown.
		cancelMonitors()
		wg.Wait()
		return fmt.Errorf("dispatcher failed: %w", err)

	case <-ctx.Done():
	}

	r.log.Info("reconciler stopping")
	cancelMonitors()

	if !waitTimeout(&wg, time.Duration(tun.ShutdownGrace)) {
		r.log.Error("monitors did not stop within grace period")
		return fmt.Errorf("shutdown grace period (%s) exceeded", tun.ShutdownGrace)
	}

	// All publishers are stopped; close the bus so the dispatcher
	// drains queued events, flushes summaries, and exits.
	r.bus.Close()
	if err := <-dispatcherDone; err != nil {
		return fmt.Errorf("dispatcher failed during drain: %w", err)
	}
	r.log.Info("reconciler stopped")
	return nil
}

// startMonitors launches one goroutine per monitor, each on its own
// tickers, plus the heartbeat. Every monitor runs a first pass
// immediately so a tampered host is corrected at startup, not one
// interval later.
func (r *Reconciler) startMonitors(ctx context.Context, wg *sync.WaitGroup, tun policy.Tunables) {
	wg.Add(3)

	go func() {
		defer wg.Done()
		r.service.Tick(ctx)

		t := time.NewTicker(time.Duration(tun.ServiceInterval))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.service.Tick(ctx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		r.files.TickFull(ctx)

		fast := time.NewTicker(time.Duration(tun.FileScanInterval))
		full := time.NewTicker(time.Duration(tun.FullRescanInterval))
		defer fast.Stop()
		defer full.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-fast.C:
				r.files.TickFast(ctx)
			case <-full.C:
				r.files.TickFull(ctx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		r.network.Tick(ctx)

		t := time.NewTicker(time.Duration(tun.NetworkInterval))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.network.Tick(ctx)
			}
		}
	}()

	if r.heartbeat == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.beat()

		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.beat()
			}
		}
	}()
}

func (r *Reconciler) beat() {
	if err := r.heartbeat.UpdateHeartbeat(os.Getpid(), r.version); err != nil {
		r.log.Warn("heartbeat update failed", zap.Error(err))
	}
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
