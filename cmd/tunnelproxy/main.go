// Command tunnelproxy runs the forward-proxy connection-forwarding engine:
// a raw CONNECT-tunnel listener on TUNNELCORE_PORT and a JSON control-plane
// API on TUNNELCORE_API_PORT, backed by the Session Pool, Alt-Service
// Registry, Transport-Race Controller, and persisted state described in
// DESIGN.md.
package main

import (
	"context"
	"log"
	"time"

	"github.com/resinat/tunnelcore/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newTunnelApp(envCfg)
	if err != nil {
		return err
	}

	errCh := app.startServers()
	runtimeErr := waitForShutdown(errCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	return runtimeErr
}
