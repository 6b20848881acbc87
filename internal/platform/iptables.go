package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Chain is the daemon-owned iptables chain. Only rules inside it are
// managed; the rest of the table belongs to the host.
const Chain = "TUNNELGUARD"

// IptablesTable maintains the daemon-owned chain and the OUTPUT jump
// into it. Policy rules are iptables rule specifications without the
// "-A CHAIN" prefix, e.g. "-o tun0 -j ACCEPT".
type IptablesTable struct {
	runner domain.CommandRunner
}

// NewIptablesTable creates the linux firewall table.
func NewIptablesTable(runner domain.CommandRunner) *IptablesTable {
	return &IptablesTable{runner: runner}
}

// ActiveRules implements domain.FirewallTable. A missing chain is an
// empty rule set, not an error: first startup and a hostile flush look
// the same and both resolve through Apply.
func (t *IptablesTable) ActiveRules(ctx context.Context) ([]string, error) {
	out, err := t.runner.Run(ctx, "iptables", "-S", Chain)
	if err != nil {
		if strings.Contains(err.Error(), "No chain") {
			return nil, nil
		}
		return nil, &domain.ProbeError{Op: "iptables -S " + Chain, Err: err}
	}

	var rules []string
	prefix := "-A " + Chain + " "
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			rules = append(rules, strings.TrimPrefix(line, prefix))
		}
	}
	return rules, nil
}

// Apply implements domain.FirewallTable. The chain is created if absent,
// flushed, repopulated in declaration order, and the OUTPUT jump is
// inserted only when missing, so a second application of an identical
// rule set changes nothing.
func (t *IptablesTable) Apply(ctx context.Context, rules []string) error {
	if _, err := t.runner.Run(ctx, "iptables", "-N", Chain); err != nil {
		// Chain already existing is the normal case after first run.
		if !strings.Contains(err.Error(), "already exists") &&
			!strings.Contains(err.Error(), "Chain already exists") {
			return fmt.Errorf("create chain: %w", err)
		}
	}

	if _, err := t.runner.Run(ctx, "iptables", "-F", Chain); err != nil {
		return fmt.Errorf("flush chain: %w", err)
	}

	for _, rule := range rules {
		args := append([]string{"-A", Chain}, strings.Fields(rule)...)
		if _, err := t.runner.Run(ctx, "iptables", args...); err != nil {
			return fmt.Errorf("append rule %q: %w", rule, err)
		}
	}

	// Jump from OUTPUT into the chain; -C probes for existence first.
	if _, err := t.runner.Run(ctx, "iptables", "-C", "OUTPUT", "-j", Chain); err != nil {
		if _, err := t.runner.Run(ctx, "iptables", "-I", "OUTPUT", "1", "-j", Chain); err != nil {
			return fmt.Errorf("insert OUTPUT jump: %w", err)
		}
	}
	return nil
}

// Ensure IptablesTable implements domain.FirewallTable.
var _ domain.FirewallTable = (*IptablesTable)(nil)
