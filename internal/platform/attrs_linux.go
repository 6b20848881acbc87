//go:build linux

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Attrs implements domain.FileAttributes on linux. The immutability
// attribute is the ext-style FS_IMMUTABLE_FL inode flag (what chattr +i
// sets), read and written through the FS_IOC ioctls.
type Attrs struct{}

// NewFileAttributes creates the linux file attribute capability.
func NewFileAttributes() *Attrs {
	return &Attrs{}
}

// SetImmutable implements domain.FileAttributes.
func (Attrs) SetImmutable(path string, immutable bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return fmt.Errorf("get inode flags for %s: %w", path, err)
	}

	if immutable {
		flags |= unix.FS_IMMUTABLE_FL
	} else {
		flags &^= unix.FS_IMMUTABLE_FL
	}

	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags); err != nil {
		return fmt.Errorf("set inode flags for %s: %w", path, err)
	}
	return nil
}

// IsImmutable implements domain.FileAttributes.
func (Attrs) IsImmutable(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return false, fmt.Errorf("get inode flags for %s: %w", path, err)
	}
	return flags&unix.FS_IMMUTABLE_FL != 0, nil
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
