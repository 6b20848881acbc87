// Package policy defines the declarative security policy document and the
// atomic snapshot store the monitors read it through. A policy is loaded
// once at startup, treated as read-only, and replaced wholesale on reload.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform values accepted in a policy document.
const (
	PlatformLinux  = "linux"
	PlatformDarwin = "darwin"
)

// Policy is the desired state the daemon enforces. All monitors read it
// through an immutable snapshot; nothing mutates a Policy after Load.
type Policy struct {
	// Version identifies the document schema. Currently always 1.
	Version int `yaml:"version"`

	// Service is the protection client that must stay running.
	Service ServiceSpec `yaml:"service"`

	// Files are the configuration/binary paths kept byte-identical to
	// their reference copies.
	Files []ProtectedFile `yaml:"files"`

	// Network is the firewall rule set forced onto the host plus the
	// bypass tooling signatures scanned for.
	Network NetworkRuleSet `yaml:"network"`

	// Alerting routes tamper alerts to the configured sinks.
	Alerting AlertConfig `yaml:"alerting"`

	// Tunables are operator-adjustable intervals and ceilings. Every
	// field has a default; an empty tunables section is valid.
	Tunables Tunables `yaml:"tunables"`
}

// ServiceSpec names the service the daemon keeps alive. Exactly one
// ServiceMonitor owns a spec.
type ServiceSpec struct {
	// Platform is "linux" (systemd) or "darwin" (launchd).
	Platform string `yaml:"platform"`

	// Identifier is the unit name or launchd label, e.g.
	// "tunnelguard-client.service" or "com.tunnelguard.client".
	Identifier string `yaml:"identifier"`

	// ExpectedRunning is almost always true; false turns the monitor
	// into a pure observer that still reports state flaps.
	ExpectedRunning bool `yaml:"expected_running"`
}

// ProtectedFile pins one path to a trusted reference copy.
type ProtectedFile struct {
	// Path is the live file under protection.
	Path string `yaml:"path"`

	// Reference is the trusted copy restores are sourced from. Its hash
	// is recorded at load time and re-verified before every restore.
	Reference string `yaml:"reference"`

	// Mode is the expected permission bits, octal, e.g. "0644".
	Mode FileMode `yaml:"mode"`

	// UID and GID are the expected owner.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	// Immutable requests the platform immutability attribute on the
	// live file (chattr +i on linux, uchg on darwin).
	Immutable bool `yaml:"immutable"`

	// ContentHash is the hex SHA-256 of the reference copy, recomputed
	// from Reference at load time. Never read from the document.
	ContentHash string `yaml:"-"`
}

// NetworkRuleSet is the ordered firewall rule list plus bypass signatures.
type NetworkRuleSet struct {
	// Rules are platform rule specs in priority order. On linux each is
	// an iptables rule specification appended to the daemon-owned chain
	// (e.g. "-o tun0 -j ACCEPT"); on darwin each is one pf rule loaded
	// into the daemon-owned anchor.
	Rules []string `yaml:"rules"`

	// Bypass lists signatures of tunnel-evasion tooling. Matches alert
	// only; the enforcer never kills a matching process.
	Bypass BypassSignatures `yaml:"bypass"`
}

// BypassSignatures identify known tunnel-evasion tooling.
type BypassSignatures struct {
	// Processes are matched as case-insensitive substrings of running
	// process names.
	Processes []string `yaml:"processes"`

	// Ports flag any local process listening on them.
	Ports []uint32 `yaml:"ports"`
}

// AlertConfig enables sinks. Nil sections are disabled. A policy with no
// sinks is valid; events still reach the audit log.
type AlertConfig struct {
	Webhook *WebhookSink `yaml:"webhook,omitempty"`
	Command *CommandSink `yaml:"command,omitempty"`
	LogFile *LogFileSink `yaml:"logfile,omitempty"`
}

// WebhookSink posts alert JSON to an HTTP endpoint.
type WebhookSink struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// CommandSink pipes alert JSON to an executable's stdin.
type CommandSink struct {
	Path    string   `yaml:"path"`
	Args    []string `yaml:"args"`
	Timeout Duration `yaml:"timeout"`
}

// LogFileSink appends structured alert lines to a local file.
type LogFileSink struct {
	Path string `yaml:"path"`
}

// Tunables are the operator-adjustable knobs. Zero values are replaced by
// defaults before validation.
type Tunables struct {
	// ServiceInterval is the service liveness probe cadence.
	ServiceInterval Duration `yaml:"service_interval"`

	// FileScanInterval is the fast stat-based scan cadence.
	FileScanInterval Duration `yaml:"file_scan_interval"`

	// FullRescanInterval is the full content-hash rescan cadence. The
	// full rescan catches changes the stat scan cannot see.
	FullRescanInterval Duration `yaml:"full_rescan_interval"`

	// NetworkInterval is the rule-table read/diff cadence.
	NetworkInterval Duration `yaml:"network_interval"`

	// ProbeTimeout bounds a single probe (service query, rule read).
	ProbeTimeout Duration `yaml:"probe_timeout"`

	// RestartLimit is the consecutive restart ceiling before the
	// service is marked failed permanently.
	RestartLimit int `yaml:"restart_limit"`

	// RestartResetAfter is how long the service must stay running
	// before the restart budget resets.
	RestartResetAfter Duration `yaml:"restart_reset_after"`

	// ProbeFailureLimit is how many consecutive probe errors are
	// tolerated before a warning event is emitted.
	ProbeFailureLimit int `yaml:"probe_failure_limit"`

	// ThrottleWindow suppresses repeat alerts for the same dedupe key.
	ThrottleWindow Duration `yaml:"throttle_window"`

	// AlertRetention prunes alert bookkeeping older than this.
	AlertRetention Duration `yaml:"alert_retention"`

	// SinkRetries is delivery attempts per sink per alert.
	SinkRetries int `yaml:"sink_retries"`

	// SinkTimeout bounds a single sink delivery attempt.
	SinkTimeout Duration `yaml:"sink_timeout"`

	// BusCapacity bounds the tamper event channel. Producers block when
	// it is full; events are never dropped.
	BusCapacity int `yaml:"bus_capacity"`

	// ShutdownGrace bounds the wait for monitors to finish in-flight
	// remediation during shutdown.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Default returns a policy populated with every tunable default. Load
// unmarshals the document over this, so absent fields keep defaults.
func Default() *Policy {
	return &Policy{
		Version: 1,
		Service: ServiceSpec{
			ExpectedRunning: true,
		},
		Alerting: AlertConfig{},
		Tunables: Tunables{
			ServiceInterval:    Duration(10 * time.Second),
			FileScanInterval:   Duration(30 * time.Second),
			FullRescanInterval: Duration(10 * time.Minute),
			NetworkInterval:    Duration(30 * time.Second),
			ProbeTimeout:       Duration(5 * time.Second),
			RestartLimit:       5,
			RestartResetAfter:  Duration(60 * time.Second),
			ProbeFailureLimit:  3,
			ThrottleWindow:     Duration(5 * time.Minute),
			AlertRetention:     Duration(24 * time.Hour),
			SinkRetries:        3,
			SinkTimeout:        Duration(10 * time.Second),
			BusCapacity:        256,
			ShutdownGrace:      Duration(10 * time.Second),
		},
	}
}

// Validate checks document-internal consistency. It does not touch the
// filesystem; reference hashing happens in Load.
func (p *Policy) Validate() error {
	var errs []error

	if p.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported version %d", p.Version))
	}

	if p.Service.Platform != PlatformLinux && p.Service.Platform != PlatformDarwin {
		errs = append(errs, fmt.Errorf("service.platform must be %q or %q, got %q",
			PlatformLinux, PlatformDarwin, p.Service.Platform))
	}
	if p.Service.Identifier == "" {
		errs = append(errs, errors.New("service.identifier is required"))
	}

	seen := make(map[string]bool, len(p.Files))
	for i, f := range p.Files {
		if f.Path == "" {
			errs = append(errs, fmt.Errorf("files[%d].path is required", i))
		}
		if f.Reference == "" {
			errs = append(errs, fmt.Errorf("files[%d].reference is required", i))
		}
		if f.Path != "" && f.Path == f.Reference {
			errs = append(errs, fmt.Errorf("files[%d]: path and reference must differ", i))
		}
		if seen[f.Path] {
			errs = append(errs, fmt.Errorf("files[%d]: duplicate path %s", i, f.Path))
		}
		seen[f.Path] = true
		if f.Mode == 0 {
			errs = append(errs, fmt.Errorf("files[%d].mode is required", i))
		}
	}

	for i, r := range p.Network.Rules {
		if err := validateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("network.rules[%d]: %w", i, err))
		}
	}
	for i, port := range p.Network.Bypass.Ports {
		if port == 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("network.bypass.ports[%d]: invalid port %d", i, port))
		}
	}

	if w := p.Alerting.Webhook; w != nil {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			errs = append(errs, fmt.Errorf("alerting.webhook.url must be http(s), got %q", w.URL))
		}
	}
	if c := p.Alerting.Command; c != nil && c.Path == "" {
		errs = append(errs, errors.New("alerting.command.path is required"))
	}
	if l := p.Alerting.LogFile; l != nil && l.Path == "" {
		errs = append(errs, errors.New("alerting.logfile.path is required"))
	}

	if err := p.Tunables.validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateRule is the parse contract for a declared firewall rule. Rules
// are platform specs the daemon passes through, so parsing here means
// tokenization, not full grammar checking.
func validateRule(r string) error {
	if strings.TrimSpace(r) == "" {
		return errors.New("empty rule")
	}
	if strings.ContainsAny(r, "\n\r") {
		return errors.New("rule must be a single line")
	}
	return nil
}

func (t *Tunables) validate() error {
	var errs []error

	positive := []struct {
		name string
		d    Duration
	}{
		{"service_interval", t.ServiceInterval},
		{"file_scan_interval", t.FileScanInterval},
		{"full_rescan_interval", t.FullRescanInterval},
		{"network_interval", t.NetworkInterval},
		{"probe_timeout", t.ProbeTimeout},
		{"restart_reset_after", t.RestartResetAfter},
		{"throttle_window", t.ThrottleWindow},
		{"alert_retention", t.AlertRetention},
		{"sink_timeout", t.SinkTimeout},
		{"shutdown_grace", t.ShutdownGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("tunables.%s must be positive", p.name))
		}
	}

	if t.RestartLimit < 1 {
		errs = append(errs, errors.New("tunables.restart_limit must be at least 1"))
	}
	if t.ProbeFailureLimit < 1 {
		errs = append(errs, errors.New("tunables.probe_failure_limit must be at least 1"))
	}
	if t.SinkRetries < 1 {
		errs = append(errs, errors.New("tunables.sink_retries must be at least 1"))
	}
	if t.BusCapacity < 1 {
		errs = append(errs, errors.New("tunables.bus_capacity must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// FileMode is an fs.FileMode that unmarshals from octal YAML strings like
// "0644". Quoting is required; a bare YAML integer is rejected so that
// 0644 vs 644 confusion cannot slip through.
type FileMode fs.FileMode

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag != "!!str" {
		return fmt.Errorf("file mode must be a quoted octal string, got %s", value.Tag)
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	*m = FileMode(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

func (m FileMode) String() string { return fmt.Sprintf("%04o", uint32(m)) }

// Perm returns the mode as fs.FileMode for chmod calls.
func (m FileMode) Perm() fs.FileMode { return fs.FileMode(m) }
