// Package natsbus runs the embedded NATS server and wraps the client used
// for event forwarding, remote mailboxes, task dispatch and IPC.
package natsbus

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const serverName = "hive"

type Bus struct {
	server *natsserver.Server
}

// New starts an embedded server. A port of -1 picks a random free port and
// an empty host binds to loopback only.
func New(cfg config.NATSConfig) (*Bus, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &natsserver.Options{
		ServerName: serverName,
		Host:       host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	slog.Debug("nats server ready", "name", ns.Name(), "url", ns.ClientURL())
	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port returns the port the server actually listens on.
func (b *Bus) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
