package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

type mockAudit struct {
	entries []domain.TamperEvent
	err     error
}

func (m *mockAudit) Append(ev domain.TamperEvent) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, ev)
	return nil
}

type mockRecords struct {
	records map[string]domain.AlertRecord
}

func newMockRecords() *mockRecords {
	return &mockRecords{records: make(map[string]domain.AlertRecord)}
}

func (m *mockRecords) UpsertAlertRecord(rec domain.AlertRecord) error {
	m.records[rec.DedupeKey] = rec
	return nil
}

func (m *mockRecords) AlertRecords() ([]domain.AlertRecord, error) {
	var out []domain.AlertRecord
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRecords) PruneAlertRecords(olderThan time.Time) (int, error) {
	var n int
	for k, r := range m.records {
		if r.LastSentAt.Before(olderThan) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

type mockSink struct {
	name     string
	sent     []domain.Alert
	failUpTo int // fail this many calls before succeeding
	calls    int
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Send(_ context.Context, alert domain.Alert) error {
	m.calls++
	if m.calls <= m.failUpTo {
		return &domain.SinkError{Sink: m.name, Err: errors.New("delivery refused")}
	}
	m.sent = append(m.sent, alert)
	return nil
}

func testEvent(category, entity string) domain.TamperEvent {
	return domain.TamperEvent{
		Source:     domain.SourceFile,
		Severity:   domain.SeverityCritical,
		Category:   category,
		Entity:     entity,
		Detail:     "test deviation",
		DetectedAt: time.Now(),
		Remediated: true,
	}
}

func newDispatcher(sinks []domain.AlertSink, auditLog *mockAudit, records *mockRecords) (*Dispatcher, *policy.Policy) {
	pol := policy.Default()
	pol.Service = policy.ServiceSpec{Platform: policy.PlatformLinux, Identifier: "tg.service", ExpectedRunning: true}
	pol.Tunables.ThrottleWindow = policy.Duration(5 * time.Minute)
	pol.Tunables.SinkRetries = 3

	d := New(policy.NewStoreWithPolicy(pol), bus.New(16), auditLog, records, sinks, "host-01", zap.NewNop())
	d.backoffBase = time.Millisecond
	return d, pol
}

// TestFirstEventAlertsImmediately: one event, one alert, one audit line.
func TestFirstEventAlertsImmediately(t *testing.T) {
	s := &mockSink{name: "webhook"}
	auditLog := &mockAudit{}
	d, _ := newDispatcher([]domain.AlertSink{s}, auditLog, newMockRecords())

	require.NoError(t, d.handle(context.Background(), testEvent("file_hash_mismatch", "/etc/policy.xml")))

	require.Len(t, s.sent, 1)
	assert.False(t, s.sent[0].Summary)
	assert.Equal(t, "host-01", s.sent[0].Hostname)
	require.Len(t, auditLog.entries, 1)
}

// TestRepeatsWithinWindowProduceOneAlertPlusOneSummary is the throttle
// contract: N identical events in a window produce exactly one immediate
// alert and one summary at expiry, never one alert per occurrence.
func TestRepeatsWithinWindowProduceOneAlertPlusOneSummary(t *testing.T) {
	s := &mockSink{name: "webhook"}
	auditLog := &mockAudit{}
	d, _ := newDispatcher([]domain.AlertSink{s}, auditLog, newMockRecords())
	ctx := context.Background()

	base := time.Now()
	d.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, d.handle(ctx, testEvent("file_hash_mismatch", "/etc/policy.xml")))
	}
	require.Len(t, s.sent, 1, "repeats within the window are throttled")
	assert.Len(t, auditLog.entries, 5, "every occurrence is audited")

	// Window not yet expired: flush sends nothing.
	d.flush(ctx, false)
	require.Len(t, s.sent, 1)

	// Expire the window.
	d.now = func() time.Time { return base.Add(6 * time.Minute) }
	d.flush(ctx, false)

	require.Len(t, s.sent, 2)
	summary := s.sent[1]
	assert.True(t, summary.Summary)
	assert.Equal(t, 5, summary.OccurrenceCount)
	assert.Equal(t, base, summary.WindowStart)

	// The next occurrence opens a fresh window with an immediate alert.
	require.NoError(t, d.handle(ctx, testEvent("file_hash_mismatch", "/etc/policy.xml")))
	require.Len(t, s.sent, 3)
	assert.False(t, s.sent[2].Summary)
}

// TestDifferentEntitiesDoNotShareThrottleWindow: the dedupe key includes
// the entity, so one noisy file cannot mute another.
func TestDifferentEntitiesDoNotShareThrottleWindow(t *testing.T) {
	s := &mockSink{name: "webhook"}
	d, _ := newDispatcher([]domain.AlertSink{s}, &mockAudit{}, newMockRecords())
	ctx := context.Background()

	require.NoError(t, d.handle(ctx, testEvent("file_hash_mismatch", "/etc/a")))
	require.NoError(t, d.handle(ctx, testEvent("file_hash_mismatch", "/etc/b")))
	assert.Len(t, s.sent, 2)
}

// TestAuditFailureIsFatal: the dispatcher surfaces an audit error
// instead of continuing with a silent trail.
func TestAuditFailureIsFatal(t *testing.T) {
	d, _ := newDispatcher(nil, &mockAudit{err: errors.New("disk full")}, newMockRecords())
	err := d.handle(context.Background(), testEvent("file_missing", "/etc/a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit append")
}

// TestSinkFailureDoesNotBlockOtherSinksOrAudit: a permanently failing
// sink exhausts its retries while the healthy sink still delivers.
func TestSinkFailureDoesNotBlockOtherSinksOrAudit(t *testing.T) {
	bad := &mockSink{name: "webhook", failUpTo: 1000}
	good := &mockSink{name: "logfile"}
	auditLog := &mockAudit{}
	d, pol := newDispatcher([]domain.AlertSink{bad, good}, auditLog, newMockRecords())

	require.NoError(t, d.handle(context.Background(), testEvent("rule_drift", "ruleset")))

	assert.Equal(t, pol.Tunables.SinkRetries, bad.calls)
	assert.Empty(t, bad.sent)
	require.Len(t, good.sent, 1)
	require.Len(t, auditLog.entries, 1)
}

// TestCanceledContextCutsRetriesAfterFirstAttempt: during shutdown a
// failing sink still gets its first attempt, but the remaining retries
// and their backoff waits are skipped.
func TestCanceledContextCutsRetriesAfterFirstAttempt(t *testing.T) {
	bad := &mockSink{name: "webhook", failUpTo: 1000}
	good := &mockSink{name: "logfile"}
	d, _ := newDispatcher([]domain.AlertSink{bad, good}, &mockAudit{}, newMockRecords())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.handle(ctx, testEvent("rule_drift", "ruleset")))

	assert.Equal(t, 1, bad.calls, "no retries after cancellation")
	require.Len(t, good.sent, 1, "every sink still gets one attempt")
}

// TestTransientSinkFailureIsRetried: one failed attempt, then success.
func TestTransientSinkFailureIsRetried(t *testing.T) {
	s := &mockSink{name: "webhook", failUpTo: 1}
	d, _ := newDispatcher([]domain.AlertSink{s}, &mockAudit{}, newMockRecords())

	require.NoError(t, d.handle(context.Background(), testEvent("rule_drift", "ruleset")))
	assert.Equal(t, 2, s.calls)
	require.Len(t, s.sent, 1)
}

// TestHydrateContinuesThrottleAcrossRestart: persisted records keep a
// window closed after the daemon restarts.
func TestHydrateContinuesThrottleAcrossRestart(t *testing.T) {
	records := newMockRecords()
	s := &mockSink{name: "webhook"}
	d, _ := newDispatcher([]domain.AlertSink{s}, &mockAudit{}, records)
	ctx := context.Background()

	base := time.Now()
	d.now = func() time.Time { return base }
	require.NoError(t, d.handle(ctx, testEvent("service_stopped", "tg.service")))
	require.NoError(t, d.handle(ctx, testEvent("service_stopped", "tg.service")))
	require.Len(t, s.sent, 1)

	// "Restart": fresh dispatcher over the same record store.
	s2 := &mockSink{name: "webhook"}
	d2, _ := newDispatcher([]domain.AlertSink{s2}, &mockAudit{}, records)
	d2.now = func() time.Time { return base.Add(time.Minute) }
	d2.hydrate()

	// Same event inside the restored window stays throttled.
	require.NoError(t, d2.handle(ctx, testEvent("service_stopped", "tg.service")))
	assert.Empty(t, s2.sent)

	// Expiry still produces the summary, counting pre-restart
	// occurrences.
	d2.now = func() time.Time { return base.Add(10 * time.Minute) }
	d2.flush(ctx, false)
	require.Len(t, s2.sent, 1)
	assert.True(t, s2.sent[0].Summary)
	assert.Equal(t, 3, s2.sent[0].OccurrenceCount)
}

// TestRunDrainsBusAndFlushesOnClose exercises the goroutine entrypoint.
func TestRunDrainsBusAndFlushesOnClose(t *testing.T) {
	s := &mockSink{name: "webhook"}
	auditLog := &mockAudit{}
	d, _ := newDispatcher([]domain.AlertSink{s}, auditLog, newMockRecords())

	ctx := context.Background()
	require.NoError(t, d.bus.Publish(ctx, testEvent("file_missing", "/etc/a")))
	require.NoError(t, d.bus.Publish(ctx, testEvent("file_missing", "/etc/a")))
	d.bus.Close()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain and exit")
	}

	// One immediate alert plus the forced shutdown summary.
	require.Len(t, s.sent, 2)
	assert.True(t, s.sent[1].Summary)
	assert.Len(t, auditLog.entries, 2)
}
