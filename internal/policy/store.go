package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Store holds the active policy snapshot. Readers get an immutable pointer
// and never observe a partially updated policy; Reload swaps the pointer
// only after the replacement document loads and validates completely.
type Store struct {
	path     string
	platform string
	current  atomic.Pointer[Policy]
}

// NewStore prepares a store bound to one document path and the host
// platform. No document is read until Load.
func NewStore(path, platform string) *Store {
	return &Store{path: path, platform: platform}
}

// Load reads the document and publishes it as the active snapshot. A
// document written for another platform is rejected; enforcing someone
// else's rule set would silently enforce nothing.
func (s *Store) Load() error {
	pol, err := Load(s.path)
	if err != nil {
		return err
	}
	if pol.Service.Platform != s.platform {
		return &domain.PolicyError{
			Reason: fmt.Sprintf("document targets platform %q, host is %q",
				pol.Service.Platform, s.platform),
		}
	}
	s.current.Store(pol)
	return nil
}

// NewStoreWithPolicy returns a store pre-seeded with pol, for one-shot
// commands and tests that already hold a loaded policy.
func NewStoreWithPolicy(pol *Policy) *Store {
	s := &Store{platform: pol.Service.Platform}
	s.current.Store(pol)
	return s
}

// Current returns the active snapshot, or nil before the first Load.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload re-reads the document and swaps only on success. On failure the
// previous snapshot stays active: a malformed replacement must never
// disable enforcement.
func (s *Store) Reload() error {
	return s.Load()
}

// Path returns the document path the store reads from.
func (s *Store) Path() string { return s.path }
