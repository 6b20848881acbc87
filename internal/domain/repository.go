package domain

import (
	"context"
	"time"
)

// ServiceController probes and starts the protected service.
// Implementations: systemctl (linux), launchctl (darwin).
type ServiceController interface {
	// IsActive reports whether the service identified by id is running.
	IsActive(ctx context.Context, id string) (bool, error)

	// Start asks the init system to start the service. Callers verify
	// the outcome with a follow-up IsActive probe.
	Start(ctx context.Context, id string) error
}

// FileAttributes handles the platform-specific pieces of file protection:
// the immutability attribute and ownership reads. Mode and content are
// plain os calls and stay in the monitor.
type FileAttributes interface {
	// SetImmutable sets or clears the platform immutability attribute
	// (chattr +i on linux, uchg on darwin).
	SetImmutable(path string, immutable bool) error

	// IsImmutable reports whether the immutability attribute is set.
	IsImmutable(path string) (bool, error)

	// Owner returns the numeric uid/gid owning path.
	Owner(path string) (uid, gid int, err error)
}

// FirewallTable reads and writes the packet-filter rules owned by the
// daemon. Apply must be idempotent: applying an already-correct rule set
// leaves the live table unchanged.
type FirewallTable interface {
	// ActiveRules returns the live rule set in declaration order,
	// normalized to the same form the policy declares.
	ActiveRules(ctx context.Context) ([]string, error)

	// Apply replaces the daemon-owned rule set with rules, preserving
	// their order.
	Apply(ctx context.Context, rules []string) error
}

// ProcessInventory lists running processes and listening sockets for
// bypass-signature scanning. Implementation: gopsutil.
type ProcessInventory interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
	ListeningSockets(ctx context.Context) ([]ListeningSocket, error)
}

// AlertSink delivers alerts to one external destination. Implementations
// are injected; the dispatcher only sees this contract.
type AlertSink interface {
	// Name identifies the sink in logs ("webhook", "command", ...).
	Name() string

	// Send delivers one alert. The context carries the per-attempt
	// timeout; retry policy belongs to the caller.
	Send(ctx context.Context, alert Alert) error
}

// AuditLogger records every tamper event to the local append-only trail.
// An Append failure is fatal to the daemon: a silent audit trail defeats
// the system's purpose.
type AuditLogger interface {
	Append(event TamperEvent) error
}

// AlertRecordStore persists the dispatcher's throttle bookkeeping across
// daemon restarts. Only the dispatcher touches these records.
type AlertRecordStore interface {
	UpsertAlertRecord(rec AlertRecord) error
	AlertRecords() ([]AlertRecord, error)
	PruneAlertRecords(olderThan time.Time) (int, error)
}

// CommandRunner executes platform tool invocations (systemctl, launchctl,
// iptables, pfctl). Kept behind an interface so platform capabilities are
// testable without the tools installed.
type CommandRunner interface {
	// Run executes the command and returns combined stdout. A non-zero
	// exit is returned as an error alongside any captured output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInput is Run with bytes piped to the child's stdin.
	RunInput(ctx context.Context, input []byte, name string, args ...string) ([]byte, error)
}
