// Package dispatch implements the alert dispatcher: the single consumer
// of the tamper event bus. It audits every event, throttles repeats per
// dedupe key, and delivers alerts through the configured sinks with
// bounded retries.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// throttleState is the in-memory window bookkeeping for one dedupe key.
type throttleState struct {
	windowStart time.Time
	lastSent    time.Time
	count       int
	lastEvent   domain.TamperEvent
	hasEvent    bool
}

// Dispatcher consumes tamper events sequentially. A single consumer
// guarantees ordered sink delivery and keeps the throttle bookkeeping
// free of locks; the records store persists it across daemon restarts so
// restarting the daemon cannot re-arm alerting.
type Dispatcher struct {
	store    *policy.Store
	bus      *bus.Bus
	audit    domain.AuditLogger
	records  domain.AlertRecordStore
	sinks    []domain.AlertSink
	log      *zap.Logger
	hostname string

	state map[string]*throttleState

	// Overridable in tests.
	flushInterval time.Duration
	backoffBase   time.Duration
	now           func() time.Time
}

// New creates a dispatcher. Sinks may be empty; events still reach the
// audit log.
func New(store *policy.Store, b *bus.Bus, auditLog domain.AuditLogger, records domain.AlertRecordStore, sinks []domain.AlertSink, hostname string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		bus:           b,
		audit:         auditLog,
		records:       records,
		sinks:         sinks,
		log:           log,
		hostname:      hostname,
		state:         make(map[string]*throttleState),
		flushInterval: 30 * time.Second,
		backoffBase:   time.Second,
		now:           time.Now,
	}
}

// Run consumes the bus until it is closed, then flushes pending
// summaries and returns. The only error it returns is an audit append
// failure, which the daemon treats as fatal: an unwritable audit trail
// defeats the system's purpose.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.hydrate()

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-d.bus.Events():
			if !ok {
				d.flush(ctx, true)
				return nil
			}
			if err := d.handle(ctx, ev); err != nil {
				return err
			}

		case <-ticker.C:
			d.flush(ctx, false)
			d.prune()
		}
	}
}

// hydrate restores throttle windows persisted by a previous daemon run.
func (d *Dispatcher) hydrate() {
	records, err := d.records.AlertRecords()
	if err != nil {
		d.log.Warn("loading persisted alert records failed", zap.Error(err))
		return
	}

	window := d.window()
	now := d.now()
	for _, rec := range records {
		if rec.OccurrenceCount < 1 || now.Sub(rec.FirstSeen) >= window {
			continue
		}
		d.state[rec.DedupeKey] = &throttleState{
			windowStart: rec.FirstSeen,
			lastSent:    rec.LastSentAt,
			count:       rec.OccurrenceCount,
		}
	}
	if len(d.state) > 0 {
		d.log.Info("restored throttle windows", zap.Int("keys", len(d.state)))
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev domain.TamperEvent) error {
	// The audit trail records every event before any throttling or
	// sink delivery, and its failure is the one fatal error here.
	if err := d.audit.Append(ev); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}

	key := ev.DedupeKey()
	now := d.now()
	window := d.window()

	if st, ok := d.state[key]; ok && now.Sub(st.windowStart) < window {
		st.count++
		st.lastEvent = ev
		st.hasEvent = true
		d.persist(key, st)
		d.log.Debug("alert throttled",
			zap.String("key", key), zap.Int("occurrences", st.count))
		return nil
	}

	// New window: any unsent summary for the previous one goes first
	// so occurrences are never silently forgotten.
	if st, ok := d.state[key]; ok {
		d.summarize(ctx, key, st)
	}

	d.deliver(ctx, domain.Alert{Event: ev, Hostname: d.hostname})
	st := &throttleState{
		windowStart: now,
		lastSent:    now,
		count:       1,
		lastEvent:   ev,
		hasEvent:    true,
	}
	d.state[key] = st
	d.persist(key, st)
	return nil
}

// flush sends summaries for expired windows. With force set (shutdown)
// every pending window is summarized regardless of age.
func (d *Dispatcher) flush(ctx context.Context, force bool) {
	now := d.now()
	window := d.window()

	for key, st := range d.state {
		if !force && now.Sub(st.windowStart) < window {
			continue
		}
		d.summarize(ctx, key, st)
		delete(d.state, key)
	}
}

// summarize sends the "N occurrences since T" alert for a closed window,
// if more than the initially-alerted occurrence accumulated.
func (d *Dispatcher) summarize(ctx context.Context, key string, st *throttleState) {
	defer func() {
		st.count = 0
		d.persist(key, st)
	}()
	if st.count <= 1 {
		return
	}

	ev := st.lastEvent
	if !st.hasEvent {
		ev = eventFromKey(key)
	}
	d.deliver(ctx, domain.Alert{
		Event:           ev,
		Summary:         true,
		OccurrenceCount: st.count,
		WindowStart:     st.windowStart,
		Hostname:        d.hostname,
	})
}

// deliver attempts each sink independently with bounded retries. A
// failing sink is logged and never blocks the others.
func (d *Dispatcher) deliver(ctx context.Context, alert domain.Alert) {
	pol := d.store.Current()
	retries := pol.Tunables.SinkRetries
	timeout := time.Duration(pol.Tunables.SinkTimeout)

	for _, s := range d.sinks {
		var err error
		for attempt := 0; attempt < retries; attempt++ {
			if attempt > 0 {
				delay := d.backoffBase << (attempt - 1)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
				}
				// Every sink gets its first attempt even during
				// shutdown; a canceled context only cuts retries.
				if ctx.Err() != nil {
					break
				}
			}

			attemptCtx, cancel := context.WithTimeout(context.Background(), timeout)
			err = s.Send(attemptCtx, alert)
			cancel()
			if err == nil {
				break
			}
			d.log.Warn("sink delivery attempt failed",
				zap.String("sink", s.Name()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		if err != nil {
			d.log.Error("sink delivery given up",
				zap.String("sink", s.Name()),
				zap.Int("attempts", retries),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) persist(key string, st *throttleState) {
	err := d.records.UpsertAlertRecord(domain.AlertRecord{
		DedupeKey:       key,
		FirstSeen:       st.windowStart,
		LastSentAt:      st.lastSent,
		OccurrenceCount: st.count,
	})
	if err != nil {
		d.log.Warn("persisting alert record failed",
			zap.String("key", key), zap.Error(err))
	}
}

func (d *Dispatcher) prune() {
	retention := time.Duration(d.store.Current().Tunables.AlertRetention)
	n, err := d.records.PruneAlertRecords(d.now().Add(-retention))
	if err != nil {
		d.log.Warn("pruning alert records failed", zap.Error(err))
		return
	}
	if n > 0 {
		d.log.Debug("pruned alert records", zap.Int("removed", n))
	}
}

func (d *Dispatcher) window() time.Duration {
	return time.Duration(d.store.Current().Tunables.ThrottleWindow)
}

// eventFromKey reconstructs the minimal event shape for a summary whose
// window was restored from persistence after a restart.
func eventFromKey(key string) domain.TamperEvent {
	parts := strings.SplitN(key, "/", 3)
	ev := domain.TamperEvent{Severity: domain.SeverityWarning, DetectedAt: time.Now()}
	if len(parts) == 3 {
		ev.Source = domain.Source(parts[0])
		ev.Category = parts[1]
		ev.Entity = parts[2]
		ev.Detail = "summary of occurrences recorded before daemon restart"
	}
	return ev
}
