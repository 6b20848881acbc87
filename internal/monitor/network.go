package monitor

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

// NetworkEnforcer keeps the packet-filter rules that force egress
// through the tunnel in place, and scans for known bypass tooling.
//
// Rule drift triggers a full idempotent re-application of the desired
// set. Bypass matches only alert: killing an arbitrary matching process
// is a false-positive risk the enforcer does not take.
type NetworkEnforcer struct {
	store     *policy.Store
	firewall  domain.FirewallTable
	inventory domain.ProcessInventory
	bus       *bus.Bus
	locks     *LockTable
	log       *zap.Logger

	probeFailures int
	now           func() time.Time
}

// NewNetworkEnforcer creates the network enforcer.
func NewNetworkEnforcer(store *policy.Store, fw domain.FirewallTable, inv domain.ProcessInventory, b *bus.Bus, locks *LockTable, log *zap.Logger) *NetworkEnforcer {
	return &NetworkEnforcer{
		store:     store,
		firewall:  fw,
		inventory: inv,
		bus:       b,
		locks:     locks,
		log:       log,
		now:       time.Now,
	}
}

// Tick diffs the live rule set against the policy and scans for bypass
// signatures.
func (m *NetworkEnforcer) Tick(ctx context.Context) {
	pol := m.store.Current()
	m.enforceRules(ctx, pol)
	m.scanBypass(ctx, pol)
}

func (m *NetworkEnforcer) enforceRules(ctx context.Context, pol *policy.Policy) {
	desired := pol.Network.Rules
	unlock := m.locks.Lock("network:ruleset")
	defer unlock()

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	live, err := m.firewall.ActiveRules(probeCtx)
	cancel()
	if err != nil {
		m.handleProbeFailure(ctx, pol, err)
		return
	}
	m.probeFailures = 0

	missing, extra := diffRules(desired, live)
	if len(missing) == 0 && len(extra) == 0 {
		return
	}

	// A missing rule means egress is no longer forced through the
	// tunnel; extra-only drift still re-applies but alerts lower.
	sev := domain.SeverityCritical
	if len(missing) == 0 {
		sev = domain.SeverityWarning
	}

	applyCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	applyErr := m.firewall.Apply(applyCtx, desired)
	cancel()
	if applyErr != nil {
		m.log.Error("rule re-application failed", zap.Error(applyErr))
	} else {
		m.log.Info("firewall rules re-applied",
			zap.Int("missing", len(missing)),
			zap.Int("extra", len(extra)))
	}

	detail := fmt.Sprintf("rule drift: %d missing, %d extra", len(missing), len(extra))
	if len(missing) > 0 {
		detail += "; missing: " + strings.Join(missing, " | ")
	}
	if applyErr != nil {
		detail += fmt.Sprintf("; re-application failed: %v", applyErr)
	}

	m.publish(ctx, domain.TamperEvent{
		Source:     domain.SourceNetwork,
		Severity:   sev,
		Category:   "rule_drift",
		Entity:     "ruleset",
		Detail:     detail,
		DetectedAt: m.now(),
		Remediated: applyErr == nil,
	})
}

// diffRules compares desired and live rules as multisets. Order inside
// the daemon-owned chain is re-imposed by Apply, so diffing ignores it.
func diffRules(desired, live []string) (missing, extra []string) {
	counts := make(map[string]int, len(live))
	for _, r := range live {
		counts[normalizeRule(r)]++
	}
	for _, r := range desired {
		n := normalizeRule(r)
		if counts[n] > 0 {
			counts[n]--
		} else {
			missing = append(missing, r)
		}
	}
	for r, c := range counts {
		for ; c > 0; c-- {
			extra = append(extra, r)
		}
	}
	return missing, extra
}

// normalizeRule collapses whitespace so formatting differences between
// the declared rule and the kernel's echo of it do not read as drift.
func normalizeRule(r string) string {
	return strings.Join(strings.Fields(r), " ")
}

func (m *NetworkEnforcer) scanBypass(ctx context.Context, pol *policy.Policy) {
	sig := pol.Network.Bypass
	if len(sig.Processes) == 0 && len(sig.Ports) == 0 {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(pol.Tunables.ProbeTimeout))
	defer cancel()

	procs, err := m.inventory.Processes(probeCtx)
	if err != nil {
		m.log.Warn("process scan failed", zap.Error(err))
		procs = nil
	}
	names := make(map[int32]string, len(procs))
	for _, p := range procs {
		names[p.PID] = p.Name
	}

	for _, p := range procs {
		for _, want := range sig.Processes {
			if strings.Contains(strings.ToLower(p.Name), strings.ToLower(want)) {
				m.publish(ctx, domain.TamperEvent{
					Source:   domain.SourceNetwork,
					Severity: domain.SeverityWarning,
					Category: "bypass_process",
					Entity:   p.Name,
					Detail: fmt.Sprintf("process %s (pid %d) matches bypass signature %q",
						p.Name, p.PID, want),
					DetectedAt: m.now(),
				})
				break
			}
		}
	}

	if len(sig.Ports) == 0 {
		return
	}
	sockets, err := m.inventory.ListeningSockets(probeCtx)
	if err != nil {
		m.log.Warn("socket scan failed", zap.Error(err))
		return
	}
	wanted := make(map[uint32]bool, len(sig.Ports))
	for _, port := range sig.Ports {
		wanted[port] = true
	}
	for _, s := range sockets {
		if !wanted[s.Port] {
			continue
		}
		owner := s.Process
		if owner == "" {
			owner = names[s.PID]
		}
		m.publish(ctx, domain.TamperEvent{
			Source:   domain.SourceNetwork,
			Severity: domain.SeverityWarning,
			Category: "bypass_port",
			Entity:   fmt.Sprintf("%s/%d", s.Protocol, s.Port),
			Detail: fmt.Sprintf("listener on %s port %d (pid %d %s) matches bypass signature",
				s.Protocol, s.Port, s.PID, owner),
			DetectedAt: m.now(),
		})
	}
}

func (m *NetworkEnforcer) handleProbeFailure(ctx context.Context, pol *policy.Policy, err error) {
	m.probeFailures++
	m.log.Warn("rule table read failed",
		zap.Int("consecutive", m.probeFailures), zap.Error(err))

	if m.probeFailures == pol.Tunables.ProbeFailureLimit {
		m.publish(ctx, domain.TamperEvent{
			Source:   domain.SourceNetwork,
			Severity: domain.SeverityWarning,
			Category: "probe_failure",
			Entity:   "ruleset",
			Detail: fmt.Sprintf("rule table unobservable for %d consecutive probes: %v",
				m.probeFailures, err),
			DetectedAt: m.now(),
		})
	}
}

func (m *NetworkEnforcer) publish(ctx context.Context, ev domain.TamperEvent) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.log.Warn("event publish canceled", zap.Error(err))
	}
}
