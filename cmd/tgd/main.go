// Package main is the CLI entry point for tgd, the tunnelguard
// enforcement daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tunnelguard/tunnelguard/internal/audit"
	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/daemon"
	"github.com/tunnelguard/tunnelguard/internal/dispatch"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/monitor"
	"github.com/tunnelguard/tunnelguard/internal/platform"
	"github.com/tunnelguard/tunnelguard/internal/policy"
	"github.com/tunnelguard/tunnelguard/internal/sink"
	"github.com/tunnelguard/tunnelguard/internal/state"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	policyPath string
	dataDir    string
	auditPath  string
	logPath    string
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tgd",
	Short: "Tunnelguard enforcement daemon",
	Long: `tgd keeps the tunnelguard protection client continuously active and
resists attempts to disable, bypass, or tamper with it. It reconciles
the host's service, file, and firewall state against a declarative
policy, self-heals deviations, and alerts on every tamper event.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enforcement daemon in the foreground",
	Long: `Loads the policy, starts the three monitors and the alert dispatcher,
and blocks until SIGTERM/SIGINT. SIGHUP reloads the policy document;
a malformed replacement keeps the previous policy active.`,
	RunE: runRun,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one reconciliation pass and report deviations",
	Long: `Performs a single pass over all three enforcement domains without
starting the daemon loop. Deviations are remediated exactly as the
daemon would and printed to stdout.`,
	RunE: runScan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon liveness from the state database",
	RunE:  runStatus,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and verify a policy document",
	Long: `Loads the policy document, validates it, and recomputes every
reference-copy hash. Exits non-zero if the document would be rejected
at daemon startup.`,
	RunE: runValidate,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the effective policy summary",
	RunE:  runPolicy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "/etc/tunnelguard/policy.yaml", "Policy document path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/var/lib/tunnelguard", "State database directory")
	rootCmd.PersistentFlags().StringVar(&auditPath, "audit-log", "/var/log/tunnelguard/audit.log", "Append-only audit log path")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "/var/log/tunnelguard/tgd.log", "Daemon log path")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadStore loads and platform-checks the policy document. This is the
// one failure that exits non-zero before the control loop starts.
func loadStore() (*policy.Store, string, error) {
	plat, err := platform.Host()
	if err != nil {
		return nil, "", err
	}
	store := policy.NewStore(policyPath, plat)
	if err := store.Load(); err != nil {
		return nil, "", fmt.Errorf("load policy: %w", err)
	}
	return store, plat, nil
}

func buildSinks(pol *policy.Policy) ([]domain.AlertSink, error) {
	var sinks []domain.AlertSink
	if w := pol.Alerting.Webhook; w != nil {
		timeout := time.Duration(w.Timeout)
		if timeout <= 0 {
			timeout = time.Duration(pol.Tunables.SinkTimeout)
		}
		sinks = append(sinks, sink.NewWebhook(w.URL, timeout))
	}
	if c := pol.Alerting.Command; c != nil {
		sinks = append(sinks, sink.NewCommand(c.Path, c.Args))
	}
	if l := pol.Alerting.LogFile; l != nil {
		lf, err := sink.NewLogFile(l.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, lf)
	}
	return sinks, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	store, plat, err := loadStore()
	if err != nil {
		return err
	}
	pol := store.Current()

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	caps, err := platform.Select(plat, platform.NewExecRunner())
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(auditPath, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	// State store failures degrade to in-memory bookkeeping; only the
	// audit trail is allowed to stop the daemon.
	var records domain.AlertRecordStore
	var heartbeat daemon.HeartbeatWriter
	key, err := state.EnsureKey(state.NewFileKeyProvider(dataDir))
	if err == nil {
		var st *state.Store
		if st, err = state.Open(dataDir, key); err == nil {
			defer st.Close()
			records = st
			heartbeat = heartbeatAdapter{st}
		}
	}
	if err != nil {
		logger.Warn("state database unavailable, throttle state will not survive restarts",
			zap.Error(err))
		records = state.NewMemoryStore()
	}

	sinks, err := buildSinks(pol)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	b := bus.New(pol.Tunables.BusCapacity)
	locks := monitor.NewLockTable()

	rec := daemon.New(
		store,
		b,
		monitor.NewServiceMonitor(store, caps.Service, b, locks, logger),
		monitor.NewFileIntegrityMonitor(store, caps.Files, b, locks, logger),
		monitor.NewNetworkEnforcer(store, caps.Firewall, caps.Inventory, b, locks, logger),
		dispatch.New(store, b, auditLog, records, sinks, hostname, logger),
		heartbeat,
		Version,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				logger.Info("received reload signal")
				rec.Reload()
				continue
			}
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}()

	return rec.Run(ctx)
}

// heartbeatAdapter narrows *state.Store to the reconciler's needs.
type heartbeatAdapter struct {
	st *state.Store
}

func (h heartbeatAdapter) UpdateHeartbeat(pid int, version string) error {
	return h.st.UpdateHeartbeat(pid, version)
}

// drainAll collects every bus event in the background and delivers the
// batch once the bus closes.
func drainAll(b *bus.Bus) <-chan []domain.TamperEvent {
	out := make(chan []domain.TamperEvent, 1)
	go func() {
		var evs []domain.TamperEvent
		for ev := range b.Events() {
			evs = append(evs, ev)
		}
		out <- evs
	}()
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	store, plat, err := loadStore()
	if err != nil {
		return err
	}
	pol := store.Current()

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	caps, err := platform.Select(plat, platform.NewExecRunner())
	if err != nil {
		return err
	}

	fmt.Println("\n=== tunnelguard scan ===")

	b := bus.New(pol.Tunables.BusCapacity)
	locks := monitor.NewLockTable()
	ctx := context.Background()

	// The monitors publish synchronously; drain in the background so a
	// pass producing more events than the bus holds cannot block.
	collected := drainAll(b)

	monitor.NewServiceMonitor(store, caps.Service, b, locks, logger).Tick(ctx)
	monitor.NewFileIntegrityMonitor(store, caps.Files, b, locks, logger).TickFull(ctx)
	monitor.NewNetworkEnforcer(store, caps.Firewall, caps.Inventory, b, locks, logger).Tick(ctx)
	b.Close()

	var count int
	for _, ev := range <-collected {
		count++
		outcome := "NOT remediated"
		if ev.Remediated {
			outcome = "remediated"
		}
		fmt.Printf("[%s/%s] %s: %s (%s)\n",
			ev.Source, ev.Severity, ev.Entity, ev.Detail, outcome)
	}

	if count == 0 {
		fmt.Println("No deviations found.")
	} else {
		fmt.Printf("\n%d deviation(s) found and handled.\n", count)
	}
	fmt.Println("========================")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("\n=== tunnelguard status ===")

	key, err := state.EnsureKey(state.NewFileKeyProvider(dataDir))
	if err != nil {
		return fmt.Errorf("open state key: %w", err)
	}
	st, err := state.Open(dataDir, key)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer st.Close()

	hb, err := st.LastHeartbeat()
	if err != nil {
		return err
	}
	if hb == nil {
		fmt.Println("Status: NEVER RAN")
		fmt.Println("\nRun 'tgd run' (or enable the tgd service) to start enforcement.")
		return nil
	}

	age := time.Since(hb.LastBeat).Round(time.Second)
	if age <= 2*time.Minute {
		fmt.Println("Status: RUNNING")
	} else {
		fmt.Println("Status: STALE (daemon may be down)")
	}
	fmt.Printf("PID: %d\n", hb.PID)
	fmt.Printf("Version: %s\n", hb.Version)
	fmt.Printf("Last heartbeat: %s ago\n", age)
	fmt.Println("==========================")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	pol, err := policy.Load(policyPath)
	if err != nil {
		return err
	}
	fmt.Printf("policy OK: %d protected file(s), service %s, %d network rule(s)\n",
		len(pol.Files), pol.Service.Identifier, len(pol.Network.Rules))
	return nil
}

func runPolicy(cmd *cobra.Command, args []string) error {
	pol, err := policy.Load(policyPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== effective policy ===")
	fmt.Printf("Service: %s (%s, expected running: %v)\n",
		pol.Service.Identifier, pol.Service.Platform, pol.Service.ExpectedRunning)

	fmt.Println("Protected files:")
	for _, f := range pol.Files {
		attrs := fmt.Sprintf("mode %s, owner %d:%d", f.Mode, f.UID, f.GID)
		if f.Immutable {
			attrs += ", immutable"
		}
		fmt.Printf("  - %s (%s)\n    reference %s sha256 %.12s\n",
			f.Path, attrs, f.Reference, f.ContentHash)
	}

	fmt.Println("Network rules:")
	for _, r := range pol.Network.Rules {
		fmt.Printf("  - %s\n", r)
	}
	if len(pol.Network.Bypass.Processes) > 0 {
		fmt.Printf("Bypass process signatures: %v\n", pol.Network.Bypass.Processes)
	}
	if len(pol.Network.Bypass.Ports) > 0 {
		fmt.Printf("Bypass port signatures: %v\n", pol.Network.Bypass.Ports)
	}

	fmt.Printf("Throttle window: %s, restart limit: %d\n",
		pol.Tunables.ThrottleWindow, pol.Tunables.RestartLimit)
	fmt.Println("========================")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("tgd %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{logPath}
	config.ErrorOutputPaths = []string{logPath}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
