// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"

	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// FakeInstall fabricates a tunnelguard client install tree under a root
// directory: protected config files, their reference copies, and a
// policy document pointing at them.
type FakeInstall struct {
	Root string
}

// NewFakeInstall creates a fake install generator rooted at root.
func NewFakeInstall(root string) *FakeInstall {
	return &FakeInstall{Root: root}
}

// ConfigPath is the protected client configuration file.
func (f *FakeInstall) ConfigPath() string {
	return filepath.Join(f.Root, "etc", "tunnelguard", "client.conf")
}

// ReferencePath is the trusted reference copy of the configuration.
func (f *FakeInstall) ReferencePath() string {
	return filepath.Join(f.Root, "var", "lib", "tunnelguard", "reference", "client.conf")
}

// ConfigContent is the trusted content both copies start with.
const ConfigContent = "endpoint = vpn.example.net:51820\nrequired = true\n"

// Create lays out the install tree.
func (f *FakeInstall) Create() error {
	for _, p := range []string{f.ConfigPath(), f.ReferencePath()} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(ConfigContent), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Policy returns a policy protecting the fake install, with fast scan
// intervals suited to tests.
func (f *FakeInstall) Policy() (*policy.Policy, error) {
	hash, err := policy.HashFile(f.ReferencePath())
	if err != nil {
		return nil, err
	}

	pol := policy.Default()
	pol.Service = policy.ServiceSpec{
		Platform:        policy.PlatformLinux,
		Identifier:      "tunnelguard-client.service",
		ExpectedRunning: true,
	}
	pol.Files = []policy.ProtectedFile{{
		Path:        f.ConfigPath(),
		Reference:   f.ReferencePath(),
		Mode:        policy.FileMode(0644),
		UID:         os.Getuid(),
		GID:         os.Getgid(),
		ContentHash: hash,
	}}
	pol.Network.Rules = []string{"-o tun0 -j ACCEPT", "-j DROP"}
	return pol, nil
}

// Tamper overwrites the protected config with attacker content.
func (f *FakeInstall) Tamper(content string) error {
	return os.WriteFile(f.ConfigPath(), []byte(content), 0644)
}

// ConfigBytes reads the current protected config content.
func (f *FakeInstall) ConfigBytes() (string, error) {
	data, err := os.ReadFile(f.ConfigPath())
	return string(data), err
}
