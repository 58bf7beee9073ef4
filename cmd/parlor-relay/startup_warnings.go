package main

import (
	"log/slog"

	"github.com/parlor-chat/parlor/internal/config"
)

// logStartupWarnings flags configurations that work but are unsuitable
// for anything beyond local development.
func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.Mode != config.ModeProd {
		return
	}

	if cfg.RoomID == config.DefaultRoomID {
		logger.Warn("running in prod mode with the default room id; set " +
			"PARLOR_RELAY_ROOM_ID to something non-guessable")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("ALLOWED_ORIGINS contains a wildcard; any website " +
				"can open signaling connections")
		}
	}
	if len(cfg.ICEServers) == 0 {
		logger.Warn("no ICE servers configured; peers behind NAT will " +
			"likely fail to connect")
	}
}
