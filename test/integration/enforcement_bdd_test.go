//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/audit"
	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/daemon"
	"github.com/tunnelguard/tunnelguard/internal/dispatch"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/monitor"
	"github.com/tunnelguard/tunnelguard/internal/policy"
	"github.com/tunnelguard/tunnelguard/internal/state"
	"github.com/tunnelguard/tunnelguard/test/fixtures"
)

// Fake capabilities: the integration suite exercises the real monitors,
// bus, dispatcher, and audit log over a temp install tree, with only the
// host-mutating capabilities faked.

type fakeController struct {
	mu     sync.Mutex
	active bool
	starts int
}

func (f *fakeController) IsActive(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeController) Start(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.starts++
	return nil
}

func (f *fakeController) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

type fakeAttrs struct{}

func (fakeAttrs) SetImmutable(string, bool) error  { return nil }
func (fakeAttrs) IsImmutable(string) (bool, error) { return false, nil }
func (fakeAttrs) Owner(string) (int, int, error)   { return os.Getuid(), os.Getgid(), nil }

type fakeFirewall struct {
	mu      sync.Mutex
	live    []string
	applies int
}

func (f *fakeFirewall) ActiveRules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live...), nil
}

func (f *fakeFirewall) Apply(_ context.Context, rules []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append([]string(nil), rules...)
	f.applies++
	return nil
}

func (f *fakeFirewall) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

func (f *fakeFirewall) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = nil
}

type fakeInventory struct{}

func (fakeInventory) Processes(context.Context) ([]domain.ProcessInfo, error) {
	return nil, nil
}
func (fakeInventory) ListeningSockets(context.Context) ([]domain.ListeningSocket, error) {
	return nil, nil
}

type collectSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Send(_ context.Context, alert domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *collectSink) all() []domain.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Alert(nil), c.alerts...)
}

func readAudit(path string) ([]audit.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []audit.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

var _ = Describe("Enforcement daemon", func() {
	var (
		tmpDir    string
		install   *fixtures.FakeInstall
		auditPath string
		ctrl      *fakeController
		firewall  *fakeFirewall
		sink      *collectSink
		cancel    context.CancelFunc
		done      chan error
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "tunnelguard-integration-*")
		Expect(err).NotTo(HaveOccurred())

		install = fixtures.NewFakeInstall(tmpDir)
		Expect(install.Create()).To(Succeed())

		pol, err := install.Policy()
		Expect(err).NotTo(HaveOccurred())
		pol.Tunables.ServiceInterval = policy.Duration(20 * time.Millisecond)
		pol.Tunables.FileScanInterval = policy.Duration(20 * time.Millisecond)
		pol.Tunables.FullRescanInterval = policy.Duration(50 * time.Millisecond)
		pol.Tunables.NetworkInterval = policy.Duration(20 * time.Millisecond)
		pol.Tunables.ShutdownGrace = policy.Duration(2 * time.Second)

		store := policy.NewStoreWithPolicy(pol)
		logger := zap.NewNop()

		auditPath = filepath.Join(tmpDir, "audit.log")
		auditLog, err := audit.Open(auditPath, logger)
		Expect(err).NotTo(HaveOccurred())

		ctrl = &fakeController{active: true}
		firewall = &fakeFirewall{live: pol.Network.Rules}
		sink = &collectSink{}

		b := bus.New(pol.Tunables.BusCapacity)
		locks := monitor.NewLockTable()
		rec := daemon.New(
			store,
			b,
			monitor.NewServiceMonitor(store, ctrl, b, locks, logger),
			monitor.NewFileIntegrityMonitor(store, fakeAttrs{}, b, locks, logger),
			monitor.NewNetworkEnforcer(store, firewall, fakeInventory{}, b, locks, logger),
			dispatch.New(store, b, auditLog, state.NewMemoryStore(), []domain.AlertSink{sink}, "itest-host", logger),
			nil,
			"integration",
			logger,
		)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- rec.Run(ctx) }()
		// Let the startup pass settle.
		time.Sleep(60 * time.Millisecond)
	})

	AfterEach(func() {
		cancel()
		Eventually(done, "5s").Should(Receive(BeNil()))
		os.RemoveAll(tmpDir)
	})

	Describe("file integrity", func() {
		Context("when the protected config is replaced", func() {
			It("restores the original bytes and records one remediated critical event", func() {
				Expect(install.Tamper("sneaky bypass config")).To(Succeed())

				Eventually(func() (string, error) {
					return install.ConfigBytes()
				}, "2s", "10ms").Should(Equal(fixtures.ConfigContent))

				Eventually(func() ([]audit.Entry, error) {
					return readAudit(auditPath)
				}, "2s", "10ms").ShouldNot(BeEmpty())

				entries, err := readAudit(auditPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
				Expect(entries[0].Severity).To(Equal(domain.SeverityCritical))
				Expect(entries[0].Category).To(Equal("file_hash_mismatch"))
				Expect(entries[0].Remediated).To(BeTrue())

				Eventually(func() []domain.Alert { return sink.all() }, "2s", "10ms").Should(HaveLen(1))
			})
		})

		Context("when the reference copy is corrupted too", func() {
			It("fails closed and leaves the live file untouched", func() {
				Expect(os.WriteFile(install.ReferencePath(), []byte("poisoned reference"), 0644)).To(Succeed())
				Expect(install.Tamper("attacker config")).To(Succeed())

				Eventually(func() ([]audit.Entry, error) {
					return readAudit(auditPath)
				}, "2s", "10ms").ShouldNot(BeEmpty())

				content, err := install.ConfigBytes()
				Expect(err).NotTo(HaveOccurred())
				Expect(content).To(Equal("attacker config"), "unverified reference must never be written")

				entries, err := readAudit(auditPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries[0].Remediated).To(BeFalse())
				Expect(entries[0].Severity).To(Equal(domain.SeverityCritical))
			})
		})
	})

	Describe("service enforcement", func() {
		Context("when the protected service stops", func() {
			It("restarts it without manual intervention", func() {
				ctrl.stop()

				Eventually(func() bool {
					active, _ := ctrl.IsActive(context.Background(), "")
					return active
				}, "3s", "20ms").Should(BeTrue())

				entries, err := readAudit(auditPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).NotTo(BeEmpty())
				Expect(entries[0].Category).To(Equal("service_stopped"))
				Expect(entries[0].Remediated).To(BeTrue())
			})
		})
	})

	Describe("network enforcement", func() {
		Context("when the firewall chain is flushed", func() {
			It("re-applies the desired rules and settles idempotently", func() {
				firewall.flush()

				Eventually(func() ([]string, error) {
					return firewall.ActiveRules(context.Background())
				}, "2s", "10ms").Should(HaveLen(2))

				applied := firewall.applyCount()
				// Several more ticks with the live set in sync.
				Consistently(func() int { return firewall.applyCount() }, "200ms", "20ms").Should(Equal(applied))
			})
		})
	})
})
