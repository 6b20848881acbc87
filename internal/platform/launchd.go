package platform

import (
	"context"
	"strings"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// LaunchdController drives services through launchctl. The identifier is
// the launchd label, e.g. "com.tunnelguard.client".
type LaunchdController struct {
	runner domain.CommandRunner
}

// NewLaunchdController creates the darwin service controller.
func NewLaunchdController(runner domain.CommandRunner) *LaunchdController {
	return &LaunchdController{runner: runner}
}

// IsActive implements domain.ServiceController. `launchctl list <label>`
// fails when the job is not loaded; a loaded job with no live process
// reports "PID" = 0 in its plist dump, so the output is checked for a
// real PID line.
func (c *LaunchdController) IsActive(ctx context.Context, id string) (bool, error) {
	out, err := c.runner.Run(ctx, "launchctl", "list", id)
	if err != nil {
		if strings.Contains(err.Error(), "Could not find") {
			return false, nil
		}
		return false, &domain.ProbeError{Op: "launchctl list " + id, Err: err}
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, `"PID"`) {
			return true, nil
		}
	}
	return false, nil
}

// Start implements domain.ServiceController.
func (c *LaunchdController) Start(ctx context.Context, id string) error {
	if _, err := c.runner.Run(ctx, "launchctl", "start", id); err != nil {
		return err
	}
	return nil
}

// Ensure LaunchdController implements domain.ServiceController.
var _ domain.ServiceController = (*LaunchdController)(nil)
