// Package domain contains core entities and capability interfaces.
// This is the innermost layer - it depends on nothing outside the
// standard library, and every other package depends on it.
package domain

import (
	"fmt"
	"time"
)

// Source identifies which enforcement domain detected a deviation.
type Source string

const (
	SourceService Source = "service"
	SourceFile    Source = "file"
	SourceNetwork Source = "network"
)

// Severity classifies how serious a tamper event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TamperEvent is a detected deviation from the desired security policy.
// Events are immutable once created and consumed exactly once by the
// alert dispatcher.
type TamperEvent struct {
	Source     Source
	Severity   Severity
	Category   string // deviation kind, e.g. "file_hash_mismatch"
	Entity     string // the protected thing: file path, service id, chain name
	Detail     string
	DetectedAt time.Time
	Remediated bool
}

// DedupeKey groups near-identical events for throttling. Two events for
// different entities never share a key, so one noisy file cannot mute
// alerts about another.
func (e TamperEvent) DedupeKey() string {
	return fmt.Sprintf("%s/%s/%s", e.Source, e.Category, e.Entity)
}

// ServiceState is the service monitor's view of the protected service.
type ServiceState string

const (
	ServiceUnknown           ServiceState = "unknown"
	ServiceRunning           ServiceState = "running"
	ServiceStopped           ServiceState = "stopped"
	ServiceRestarting        ServiceState = "restarting"
	ServiceFailedPermanently ServiceState = "failed_permanently"
)

// AlertRecord is the dispatcher's throttle bookkeeping for one dedupe key.
// Owned exclusively by the dispatcher; persisted so a daemon restart does
// not reset throttle windows.
type AlertRecord struct {
	DedupeKey       string
	FirstSeen       time.Time
	LastSentAt      time.Time
	OccurrenceCount int
}

// Alert is the outbound notification handed to sinks. For summaries,
// OccurrenceCount carries the number of occurrences seen in the window
// and WindowStart the time the first one was recorded.
type Alert struct {
	Event           TamperEvent
	Summary         bool
	OccurrenceCount int
	WindowStart     time.Time
	Hostname        string
}

// ProcessInfo describes a running process.
type ProcessInfo struct {
	PID  int32
	Name string
}

// ListeningSocket describes a socket in listening state.
type ListeningSocket struct {
	Protocol string
	Port     uint32
	PID      int32
	Process  string
}
