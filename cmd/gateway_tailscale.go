package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/neomagi/neomagi/internal/config"
)

// startTailscale joins the tailnet and listens for gateway traffic on
// the same mux as the local listener. The returned serve function runs
// until its context is canceled; cleanup shuts the node down.
func startTailscale(cfg *config.Config, mux *http.ServeMux) (serve func(context.Context) error, cleanup func(), err error) {
	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		AuthKey:   cfg.Tailscale.AuthKey,
		Dir:       cfg.Tailscale.StateDir,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", cfg.Gateway.Port))
	if err != nil {
		ts.Close()
		return nil, nil, fmt.Errorf("tsnet listen: %w", err)
	}
	slog.Info("tailscale listener up", "hostname", cfg.Tailscale.Hostname, "port", cfg.Gateway.Port)

	serve = func(ctx context.Context) error {
		srv := &http.Server{Handler: mux}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return fmt.Errorf("tailscale server: %w", err)
		}
		return nil
	}
	cleanup = func() { ts.Close() }
	return serve, cleanup, nil
}
