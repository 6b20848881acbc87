package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Anchor is the daemon-owned pf anchor on darwin.
const Anchor = "tunnelguard"

// PfTable maintains the daemon-owned pf anchor. Policy rules are pf rule
// lines loaded into the anchor verbatim, e.g.
// "block out quick on en0 all".
type PfTable struct {
	runner domain.CommandRunner
}

// NewPfTable creates the darwin firewall table.
func NewPfTable(runner domain.CommandRunner) *PfTable {
	return &PfTable{runner: runner}
}

// ActiveRules implements domain.FirewallTable. An unloaded anchor reads
// as an empty rule set.
func (t *PfTable) ActiveRules(ctx context.Context) ([]string, error) {
	out, err := t.runner.Run(ctx, "pfctl", "-a", Anchor, "-sr")
	if err != nil {
		// pfctl exits non-zero for an anchor that has never been
		// loaded; treat as empty so Apply resolves it.
		return nil, nil
	}

	var rules []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			rules = append(rules, line)
		}
	}
	return rules, nil
}

// Apply implements domain.FirewallTable. The whole anchor is replaced
// from stdin in one pfctl load, which is idempotent by construction.
func (t *PfTable) Apply(ctx context.Context, rules []string) error {
	ruleset := strings.Join(rules, "\n") + "\n"
	if _, err := t.runner.RunInput(ctx, []byte(ruleset), "pfctl", "-a", Anchor, "-f", "-"); err != nil {
		return fmt.Errorf("load anchor %s: %w", Anchor, err)
	}
	// pf itself must be enabled for anchor rules to take effect; -E is
	// reference counted and safe to repeat.
	if _, err := t.runner.Run(ctx, "pfctl", "-E"); err != nil {
		return fmt.Errorf("enable pf: %w", err)
	}
	return nil
}

// Ensure PfTable implements domain.FirewallTable.
var _ domain.FirewallTable = (*PfTable)(nil)
