package signaling

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/origin"
)

// Server upgrades HTTP requests on /join/{roomId} into signaling channels
// and binds them to the router.
type Server struct {
	log      *slog.Logger
	cfg      config.Config
	router   *Router
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, router *Router) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		router: router,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterRoutes mounts the signaling endpoint on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /join/{roomId}", s.handleJoin)
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and otherwise applies the allowlist/same-host policy.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(raw)
	if !ok {
		s.log.Warn("rejecting upgrade with malformed origin", "origin", raw)
		return false
	}
	if !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
		s.log.Warn("rejecting upgrade from disallowed origin", "origin", normalized)
		return false
	}
	return true
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	ch := newWSChannel(conn, ChannelConfig{
		WriteTimeout:         s.cfg.WSWriteTimeout,
		IdleTimeout:          s.cfg.WSIdleTimeout,
		PingInterval:         s.cfg.WSPingInterval,
		MaxMessageBytes:      s.cfg.MaxMessageBytes,
		SendQueueSize:        s.cfg.SendQueueSize,
		MaxMessagesPerSecond: s.cfg.MaxMessagesPerSecond,
	}, s.log)

	go ch.writePump()

	if _, err := s.router.Join(ch, roomID); err != nil {
		// The router already sent join-rejected and queued the close
		// frame; the write pump flushes both.
		if !errors.Is(err, ErrRoomMismatch) {
			s.log.Error("join failed", "room_id", roomID, "err", err)
		}
		return
	}

	// Blocks for the lifetime of the connection and deregisters the
	// member on exit.
	ch.readPump(s.router)
}
