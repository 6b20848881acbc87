package domain

import "fmt"

// PolicyError reports a malformed or unverifiable policy document.
// Fatal at startup, non-fatal on reload.
type PolicyError struct {
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("policy: %s", e.Reason)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ProbeError reports a transient inability to observe live state. Monitors
// retry probes and escalate to a warning event after repeated failures.
type ProbeError struct {
	Op  string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// RemediationError reports a failed corrective action. The entity stays
// unremediated and is retried on the next tick.
type RemediationError struct {
	Entity string
	Err    error
}

func (e *RemediationError) Error() string {
	return fmt.Sprintf("remediate %s: %v", e.Entity, e.Err)
}

func (e *RemediationError) Unwrap() error { return e.Err }

// SinkError reports a failed alert delivery. Logged and retried with
// backoff; never blocks other sinks or the audit log.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
