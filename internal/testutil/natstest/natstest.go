// Package natstest runs an in-process NATS server that requires client
// certificates, for tests that talk to the bus.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/bdobrica/jet-agent/internal/testutil/tlstest"
)

// Start launches a mutual-TLS server on a random loopback port using the
// server half of m. It is shut down when the test ends.
func Start(t testing.TB, m tlstest.Material) *server.Server {
	t.Helper()
	tlsConfig, err := server.GenTLSConfig(&server.TLSConfigOpts{
		CertFile: m.ServerCert,
		KeyFile:  m.ServerKey,
		CaFile:   m.CAFile,
		Verify:   true,
	})
	if err != nil {
		t.Fatalf("GenTLSConfig: %v", err)
	}
	srv, err := server.NewServer(&server.Options{
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
		TLS:        true,
		TLSVerify:  true,
		TLSConfig:  tlsConfig,
		TLSTimeout: 2,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}
