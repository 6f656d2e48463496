package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/efsmount/internal/rpc"
)

// Prober checks the health of a tunnel through its local accept port.
type Prober interface {
	Probe(ctx context.Context, port int) error
}

// DialFunc opens a connection. (*net.Dialer).DialContext implements it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// NetProber connects to the tunnel's loopback port and, optionally, sends
// an NFS NULL call through it. The TCP check proves the tunnel process
// accepts connections; the RPC check proves the remote end answers.
type NetProber struct {
	// Timeout bounds one probe (default: 5s)
	Timeout time.Duration

	// RPC enables the NULL call
	RPC bool

	// Dial opens connections (nil uses net.Dialer)
	Dial DialFunc
}

// Probe implements Prober.
func (p *NetProber) Probe(ctx context.Context, port int) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	conn, err := dial(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("connect to tunnel port %d: %w", port, err)
	}
	defer func() { _ = conn.Close() }()

	if !p.RPC {
		return nil
	}

	if err := rpc.Ping(ctx, conn, uuid.New().ID()); err != nil {
		return fmt.Errorf("NFS NULL call through port %d: %w", port, err)
	}
	return nil
}
