package gateway

import "net/http"

// SetupRoutes configures the gateway's HTTP surface: the WebSocket endpoint,
// the health check, and the Prometheus scrape endpoint.
func (g *Gateway) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/metrics", g.met.Handler())
	return mux
}
