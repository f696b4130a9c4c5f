package httpserver

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/coachpo/catalogsync/internal/registry"
)

func (s *httpServer) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Real-time channel unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins.hosts,
	})
	if err != nil {
		// Accept has already written the failure response.
		s.logger.Printf("websocket accept: %v", err)
		return
	}
	if err := s.sessions.Serve(r.Context(), registry.NewWebsocketConn(conn, s.opts.ReadLimit)); err != nil {
		s.logger.Printf("websocket session ended: %v", err)
	}
}
