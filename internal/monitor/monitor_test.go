package monitor

import (
	"context"
	"os"
	"time"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// Shared test doubles for the monitor package.

func testPolicy() *policy.Policy {
	pol := policy.Default()
	pol.Service = policy.ServiceSpec{
		Platform:        policy.PlatformLinux,
		Identifier:      "tunnelguard-client.service",
		ExpectedRunning: true,
	}
	pol.Tunables.RestartLimit = 3
	pol.Tunables.ProbeFailureLimit = 3
	return pol
}

func drainEvents(b *bus.Bus) []domain.TamperEvent {
	var events []domain.TamperEvent
	for {
		select {
		case ev := <-b.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

// mockServiceController scripts probe results per call.
type mockServiceController struct {
	active     []bool // consumed per IsActive call; last value repeats
	activeErr  error
	startErr   error
	startCalls int
	probeCalls int
}

func (m *mockServiceController) IsActive(_ context.Context, _ string) (bool, error) {
	m.probeCalls++
	if m.activeErr != nil {
		return false, m.activeErr
	}
	if len(m.active) == 0 {
		return false, nil
	}
	v := m.active[0]
	if len(m.active) > 1 {
		m.active = m.active[1:]
	}
	return v, nil
}

func (m *mockServiceController) Start(_ context.Context, _ string) error {
	m.startCalls++
	return m.startErr
}

// mockAttrs implements domain.FileAttributes in memory. Owner falls back
// to the current process identity, matching files the tests create.
type mockAttrs struct {
	immutable map[string]bool
	owners    map[string][2]int
	setCalls  []string
}

func newMockAttrs() *mockAttrs {
	return &mockAttrs{immutable: make(map[string]bool), owners: make(map[string][2]int)}
}

func (m *mockAttrs) SetImmutable(path string, immutable bool) error {
	m.immutable[path] = immutable
	verb := "clear"
	if immutable {
		verb = "set"
	}
	m.setCalls = append(m.setCalls, verb+":"+path)
	return nil
}

func (m *mockAttrs) IsImmutable(path string) (bool, error) {
	return m.immutable[path], nil
}

func (m *mockAttrs) Owner(path string) (uid, gid int, err error) {
	if o, ok := m.owners[path]; ok {
		return o[0], o[1], nil
	}
	return os.Getuid(), os.Getgid(), nil
}

// mockFirewall scripts the live rule set.
type mockFirewall struct {
	live       []string
	liveErr    error
	applyErr   error
	applied    [][]string
	applySyncs bool // when true, Apply updates live to the applied set
}

func (m *mockFirewall) ActiveRules(_ context.Context) ([]string, error) {
	if m.liveErr != nil {
		return nil, m.liveErr
	}
	return append([]string(nil), m.live...), nil
}

func (m *mockFirewall) Apply(_ context.Context, rules []string) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, append([]string(nil), rules...))
	if m.applySyncs {
		m.live = append([]string(nil), rules...)
	}
	return nil
}

// mockInventory returns fixed processes and sockets.
type mockInventory struct {
	procs   []domain.ProcessInfo
	sockets []domain.ListeningSocket
}

func (m *mockInventory) Processes(_ context.Context) ([]domain.ProcessInfo, error) {
	return m.procs, nil
}

func (m *mockInventory) ListeningSockets(_ context.Context) ([]domain.ListeningSocket, error) {
	return m.sockets, nil
}

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
