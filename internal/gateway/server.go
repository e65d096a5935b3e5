package gateway

import (
	"context"
	"log"
	"net/http"
	"time"
)

// CreateServer builds the HTTP server with conservative timeouts. The
// WebSocket endpoint holds connections far beyond WriteTimeout, so only read
// and idle timeouts apply to the initial handshake.
func (g *Gateway) CreateServer() *http.Server {
	return &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.SetupRoutes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(httpErrorLogger{log: g.log}, "", 0),
	}
}

// Shutdown drains the gateway: it stops the HTTP listener, closes every live
// connection, and stops the broadcast engine. Bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context, srv *http.Server) error {
	err := srv.Shutdown(ctx)

	g.reg.CloseAll()
	g.engine.Stop()

	g.log.Info().Msg("gateway shut down")
	return err
}
