package platform

import (
	"fmt"
	"runtime"

	"github.com/tunnelguard/tunnelguard/internal/domain"
	"github.com/tunnelguard/tunnelguard/internal/policy"
)

// Capabilities bundles the per-OS implementations the monitors run
// against. Selected once at startup; no platform branching elsewhere.
type Capabilities struct {
	Service   domain.ServiceController
	Files     domain.FileAttributes
	Firewall  domain.FirewallTable
	Inventory domain.ProcessInventory
}

// Host returns the policy platform string for the running OS, or an
// error on unsupported platforms. The daemon refuses to start rather
// than pretend to enforce.
func Host() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return policy.PlatformLinux, nil
	case "darwin":
		return policy.PlatformDarwin, nil
	}
	return "", fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

// Select builds the capability set for the given policy platform. The
// caller has already verified the policy targets the running host.
func Select(plat string, runner domain.CommandRunner) (*Capabilities, error) {
	caps := &Capabilities{
		Files:     NewFileAttributes(),
		Inventory: NewInventory(),
	}

	switch plat {
	case policy.PlatformLinux:
		caps.Service = NewSystemdController(runner)
		caps.Firewall = NewIptablesTable(runner)
	case policy.PlatformDarwin:
		caps.Service = NewLaunchdController(runner)
		caps.Firewall = NewPfTable(runner)
	default:
		return nil, fmt.Errorf("unsupported platform %q", plat)
	}
	return caps, nil
}
