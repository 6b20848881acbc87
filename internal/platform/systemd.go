package platform

import (
	"context"
	"strings"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// SystemdController drives services through systemctl.
type SystemdController struct {
	runner domain.CommandRunner
}

// NewSystemdController creates the linux service controller.
func NewSystemdController(runner domain.CommandRunner) *SystemdController {
	return &SystemdController{runner: runner}
}

// IsActive implements domain.ServiceController. `systemctl is-active`
// exits non-zero for every state but "active", so the printed state is
// authoritative and the exit code alone is not an error.
func (c *SystemdController) IsActive(ctx context.Context, id string) (bool, error) {
	out, err := c.runner.Run(ctx, "systemctl", "is-active", id)
	state := strings.TrimSpace(string(out))
	switch state {
	case "active", "activating":
		return true, nil
	case "inactive", "failed", "deactivating":
		return false, nil
	}
	if err != nil {
		return false, &domain.ProbeError{Op: "systemctl is-active " + id, Err: err}
	}
	return false, nil
}

// Start implements domain.ServiceController.
func (c *SystemdController) Start(ctx context.Context, id string) error {
	if _, err := c.runner.Run(ctx, "systemctl", "start", id); err != nil {
		return err
	}
	return nil
}

// Ensure SystemdController implements domain.ServiceController.
var _ domain.ServiceController = (*SystemdController)(nil)
