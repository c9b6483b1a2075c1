package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// NATSServer wraps an embedded NATS server for testing.
type NATSServer struct {
	server *server.Server
	url    string
}

// StartNATS starts an embedded NATS server on a random port and stops it when the test ends.
func StartNATS(t testing.TB) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	s := &NATSServer{server: ns, url: ns.ClientURL()}
	t.Cleanup(s.Stop)
	return s
}

// URL returns the NATS server URL.
func (n *NATSServer) URL() string {
	return n.url
}

// Stop stops the NATS server.
func (n *NATSServer) Stop() {
	if n.server != nil {
		n.server.Shutdown()
	}
}
