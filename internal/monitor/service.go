package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// ServiceMonitor keeps the protection client's service running. One
// monitor instance owns the policy's ServiceSpec.
//
// State machine: Unknown → Running → Stopped → Restarting → Running,
// with FailedPermanently once the restart budget is exhausted. Repeated
// blind restarts against a hostile actor look like a crash loop, so the
// budget caps them; a policy reload or Reset re-arms it.
type ServiceMonitor struct {
	store *policy.Store
	ctrl  domain.ServiceController
	bus   *bus.Bus
	locks *LockTable
	log   *zap.Logger

	state         domain.ServiceState
	runningSince  time.Time
	restartsUsed  int
	probeFailures int

	// Overridable in tests to avoid real backoff waits.
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

// NewServiceMonitor creates the service monitor.
func NewServiceMonitor(store *policy.Store, ctrl domain.ServiceController, b *bus.Bus, locks *LockTable, log *zap.Logger) *ServiceMonitor {
	return &ServiceMonitor{
		store:       store,
		ctrl:        ctrl,
		bus:         b,
		locks:       locks,
		log:         log,
		state:       domain.ServiceUnknown,
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
		now:         time.Now,
	}
}

// State returns the current state (for status reporting and tests).
func (m *ServiceMonitor) State() domain.ServiceState {
	return m.state
}

// Reset re-arms the restart budget and forgets the current state. Called
// on policy reload.
func (m *ServiceMonitor) Reset() {
	m.transition(domain.ServiceUnknown, "policy reload")
	m.restartsUsed = 0
	m.probeFailures = 0
}

// Tick probes the service once and remediates a stopped service within
// the restart budget.
func (m *ServiceMonitor) Tick(ctx context.Context) {
	pol := m.store.Current()
	spec := pol.Service

	if m.state == domain.ServiceFailedPermanently {
		// Nothing to do until reload or manual reset.
		return
	}

	unlock := m.locks.Lock("service:" + spec.Identifier)
	defer unlock()

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	active, err := m.ctrl.IsActive(probeCtx, spec.Identifier)
	cancel()

	if err != nil {
		m.handleProbeFailure(ctx, pol, err)
		return
	}
	m.probeFailures = 0

	switch {
	case active:
		m.observeRunning(pol)

	case !spec.ExpectedRunning:
		if m.state != domain.ServiceStopped {
			m.transition(domain.ServiceStopped, "service inactive, policy expects stopped")
		}

	default:
		m.handleStopped(ctx, pol)
	}
}

func (m *ServiceMonitor) observeRunning(pol *policy.Policy) {
	if m.state != domain.ServiceRunning {
		m.transition(domain.ServiceRunning, "probe reports active")
		m.runningSince = m.now()
		return
	}
	// A service that has stayed up long enough earns its restart
	// budget back; a monthly crash must not creep toward the ceiling.
	if m.restartsUsed > 0 && m.now().Sub(m.runningSince) >= time.Duration(pol.Tunables.RestartResetAfter) {
		m.log.Info("service stable, restart budget reset",
			zap.String("service", pol.Service.Identifier),
			zap.Int("restarts_used", m.restartsUsed))
		m.restartsUsed = 0
	}
}

func (m *ServiceMonitor) handleStopped(ctx context.Context, pol *policy.Policy) {
	spec := pol.Service
	m.transition(domain.ServiceStopped, "probe reports inactive")

	if m.restartsUsed >= pol.Tunables.RestartLimit {
		m.transition(domain.ServiceFailedPermanently, fmt.Sprintf(
			"restart budget exhausted (%d)", pol.Tunables.RestartLimit))
		m.publish(ctx, domain.TamperEvent{
			Source:   domain.SourceService,
			Severity: domain.SeverityCritical,
			Category: "service_failed_permanently",
			Entity:   spec.Identifier,
			Detail: fmt.Sprintf("service stopped %d times, giving up until policy reload",
				pol.Tunables.RestartLimit),
			DetectedAt: m.now(),
		})
		return
	}

	m.transition(domain.ServiceRestarting, "attempting restart")
	restarted := m.restart(ctx, pol)

	sev := domain.SeverityWarning
	detail := "service was stopped, restarted"
	if !restarted {
		detail = "service was stopped, restart failed"
	}
	m.publish(ctx, domain.TamperEvent{
		Source:     domain.SourceService,
		Severity:   sev,
		Category:   "service_stopped",
		Entity:     spec.Identifier,
		Detail:     detail,
		DetectedAt: m.now(),
		Remediated: restarted,
	})

	if restarted {
		m.transition(domain.ServiceRunning, "restart verified")
		m.runningSince = m.now()
	} else {
		m.transition(domain.ServiceStopped, "restart attempt failed")
	}
}

// restart waits out the exponential backoff for the current budget
// position, starts the service, and verifies with a follow-up probe.
func (m *ServiceMonitor) restart(ctx context.Context, pol *policy.Policy) bool {
	spec := pol.Service

	delay := m.backoffBase << m.restartsUsed
	if delay > m.backoffCap {
		delay = m.backoffCap
	}
	m.restartsUsed++

	m.log.Info("restarting service",
		zap.String("service", spec.Identifier),
		zap.Duration("backoff", delay),
		zap.Int("attempt", m.restartsUsed),
		zap.Int("limit", pol.Tunables.RestartLimit))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	err := m.ctrl.Start(startCtx, spec.Identifier)
	cancel()
	if err != nil {
		m.log.Warn("service start failed",
			zap.String("service", spec.Identifier), zap.Error(err))
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	active, err := m.ctrl.IsActive(probeCtx, spec.Identifier)
	cancel()
	if err != nil || !active {
		return false
	}
	return true
}

func (m *ServiceMonitor) handleProbeFailure(ctx context.Context, pol *policy.Policy, err error) {
	m.probeFailures++
	m.log.Warn("service probe failed",
		zap.String("service", pol.Service.Identifier),
		zap.Int("consecutive", m.probeFailures),
		zap.Error(err))

	if m.state != domain.ServiceUnknown {
		m.transition(domain.ServiceUnknown, "probe failed")
	}

	// A timed-out or broken probe means blindness, not proof of
	// tampering; escalate cautiously after repeated failures.
	if m.probeFailures == pol.Tunables.ProbeFailureLimit {
		m.publish(ctx, domain.TamperEvent{
			Source:   domain.SourceService,
			Severity: domain.SeverityWarning,
			Category: "probe_failure",
			Entity:   pol.Service.Identifier,
			Detail: fmt.Sprintf("service state unobservable for %d consecutive probes: %v",
				m.probeFailures, err),
			DetectedAt: m.now(),
		})
	}
}

func (m *ServiceMonitor) transition(to domain.ServiceState, cause string) {
	if m.state == to {
		return
	}
	m.log.Info("service state transition",
		zap.String("from", string(m.state)),
		zap.String("to", string(to)),
		zap.String("cause", cause))
	m.state = to
}

func (m *ServiceMonitor) publish(ctx context.Context, ev domain.TamperEvent) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("event publish canceled", zap.Error(err))
	}
}
