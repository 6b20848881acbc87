//go:build darwin

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Attrs implements domain.FileAttributes on darwin. The immutability
// attribute is the BSD user-immutable flag (what chflags uchg sets).
type Attrs struct{}

// NewFileAttributes creates the darwin file attribute capability.
func NewFileAttributes() *Attrs {
	return &Attrs{}
}

// SetImmutable implements domain.FileAttributes.
func (Attrs) SetImmutable(path string, immutable bool) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}

	flags := st.Flags
	if immutable {
		flags |= unix.UF_IMMUTABLE
	} else {
		flags &^= unix.UF_IMMUTABLE
	}

	if err := unix.Chflags(path, int(flags)); err != nil {
		return fmt.Errorf("chflags %s: %w", path, err)
	}
	return nil
}

// IsImmutable implements domain.FileAttributes.
func (Attrs) IsImmutable(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.UF_IMMUTABLE != 0, nil
}

// Owner implements domain.FileAttributes.
func (Attrs) Owner(path string) (uid, gid int, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return int(st.Uid), int(st.Gid), nil
}

// Ensure Attrs implements domain.FileAttributes.
var _ domain.FileAttributes = (*Attrs)(nil)
