package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelguard/tunnelguard/internal/bus"
	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// TestDrainAllOutpacesBoundedBus: a one-shot scan publishes with no
// consumer loop of its own, so publishing more events than the bus
// holds must not block.
func TestDrainAllOutpacesBoundedBus(t *testing.T) {
	b := bus.New(2)
	collected := drainAll(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, domain.TamperEvent{
			Source:   domain.SourceFile,
			Severity: domain.SeverityWarning,
			Category: "file_attr_drift",
			Entity:   "/etc/policy.xml",
		}))
	}
	b.Close()

	events := <-collected
	assert.Len(t, events, 20)
}
