package platform

import (
	"context"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// Inventory implements domain.ProcessInventory using gopsutil.
type Inventory struct{}

// NewInventory creates the process/socket inventory.
func NewInventory() *Inventory {
	return &Inventory{}
}

// Processes implements domain.ProcessInventory. Processes that exit
// mid-walk are skipped, not errors.
func (Inventory) Processes(ctx context.Context) ([]domain.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, &domain.ProbeError{Op: "list processes", Err: err}
	}

	infos := make([]domain.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, domain.ProcessInfo{PID: p.Pid, Name: name})
	}
	return infos, nil
}

// ListeningSockets implements domain.ProcessInventory.
func (Inventory) ListeningSockets(ctx context.Context) ([]domain.ListeningSocket, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, &domain.ProbeError{Op: "list sockets", Err: err}
	}

	return socketsFromConnections(conns), nil
}

// socketsFromConnections keeps the bound sockets a bypass tunnel could
// serve on: TCP in LISTEN, and UDP, which carries no LISTEN state and is
// reported with an empty or NONE status.
func socketsFromConnections(conns []gopsnet.ConnectionStat) []domain.ListeningSocket {
	var sockets []domain.ListeningSocket
	for _, c := range conns {
		var proto string
		switch {
		case c.Status == "LISTEN":
			proto = "tcp"
		case c.Type == unix.SOCK_DGRAM && (c.Status == "" || c.Status == "NONE"):
			proto = "udp"
		default:
			continue
		}
		sockets = append(sockets, domain.ListeningSocket{
			Protocol: proto,
			Port:     c.Laddr.Port,
			PID:      c.Pid,
		})
	}
	return sockets
}

// Ensure Inventory implements domain.ProcessInventory.
var _ domain.ProcessInventory = (*Inventory)(nil)
