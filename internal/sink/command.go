package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Command pipes alert JSON to a configured executable's stdin. It is the
// escape hatch for sites whose alerting transport is not HTTP: the
// executable owns the actual delivery (sendmail wrapper, pager script).
type Command struct {
	path string
	args []string
}

// NewCommand creates a command sink.
func NewCommand(path string, args []string) *Command {
	return &Command{path: path, args: args}
}

// Name implements domain.AlertSink.
func (c *Command) Name() string { return "command" }

// Send implements domain.AlertSink. The context bounds the child process
// lifetime; a hung handler is killed at the deadline.
func (c *Command) Send(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return &domain.SinkError{Sink: c.Name(), Err: fmt.Errorf("encode alert: %w", err)}
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = bytes.NewReader(body)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return &domain.SinkError{
				Sink: c.Name(),
				Err:  fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes())),
			}
		}
		return &domain.SinkError{Sink: c.Name(), Err: err}
	}
	return nil
}

// Ensure Command implements domain.AlertSink.
var _ domain.AlertSink = (*Command)(nil)
