// Package platform implements the per-OS capability interfaces: service
// control, file attributes, firewall table, and process inventory. All
// platform branching lives here; the monitors only see the contracts in
// the domain package.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// ExecRunner runs platform tools through os/exec.
type ExecRunner struct{}

// NewExecRunner creates the process-spawning command runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements domain.CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunInput(ctx, nil, name, args...)
}

// RunInput implements domain.CommandRunner.
func (r *ExecRunner) RunInput(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s",
				name, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Ensure ExecRunner implements domain.CommandRunner.
var _ domain.CommandRunner = (*ExecRunner)(nil)
