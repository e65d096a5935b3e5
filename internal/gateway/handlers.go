package gateway

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harborline/chatgate/internal/registry"
)

// WebSocketHandler upgrades the HTTP request, authenticates the caller, and
// hands the socket to a Client. It validates the GET method, checks the
// Origin header against the configured allowlist, and rejects requests with
// no resolvable user identity.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "invalid or missing user identity", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := uuid.New()
	client := newClient(g, conn, id, r.RemoteAddr)
	meta := g.reg.Register(id, client)
	client.meta = meta

	g.reg.Transition(meta, registry.StateConnected)
	meta.BindUser(userID)
	g.reg.Transition(meta, registry.StateAuthenticated)

	client.log.Info().Str("user_id", userID).Int("total", g.reg.Len()).Msg("client connected")
	client.run()
}

// HealthHandler reports process liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("chatgate is running"))
}

// httpErrorLogger adapts zerolog to the http.Server ErrorLog interface.
type httpErrorLogger struct {
	log zerolog.Logger
}

func (l httpErrorLogger) Write(p []byte) (int, error) {
	l.log.Warn().Msg(string(p))
	return len(p), nil
}
