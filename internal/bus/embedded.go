package bus

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// DefaultEmbeddedPort is the NATS client port of the embedded server.
const DefaultEmbeddedPort = 4222

// readyTimeout bounds how long StartEmbedded waits for the server.
const readyTimeout = 5 * time.Second

// EmbeddedServer is an in-process NATS server without persistence.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// StartEmbedded starts a NATS server on host:port. Port 0 means
// [DefaultEmbeddedPort]; -1 picks a random free port.
func StartEmbedded(host string, port int, log *slog.Logger) (*EmbeddedServer, error) {
	if log == nil {
		log = slog.Default()
	}
	if port == 0 {
		port = DefaultEmbeddedPort
	}
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("bus: embedded NATS server not ready within %s", readyTimeout)
	}

	log = log.With("component", "bus")
	log.Info("embedded NATS server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL in-process clients connect to. A server bound to
// all interfaces is reached over loopback.
func (e *EmbeddedServer) ClientURL() string {
	u, err := url.Parse(e.ns.ClientURL())
	if err != nil {
		return e.ns.ClientURL()
	}
	if host, port, err := net.SplitHostPort(u.Host); err == nil && (host == "" || net.ParseIP(host).IsUnspecified()) {
		u.Host = net.JoinHostPort("127.0.0.1", port)
	}
	return u.String()
}

// Shutdown stops the server and waits until it has exited.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
