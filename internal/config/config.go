package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "PARLOR_RELAY_LISTEN_ADDR"
	envVarRoomID          = "PARLOR_RELAY_ROOM_ID"
	envVarMode            = "PARLOR_RELAY_MODE"
	envVarLogFormat       = "PARLOR_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PARLOR_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PARLOR_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling websocket knobs.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarWSWriteTimeout       = "SIGNALING_WS_WRITE_TIMEOUT"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueSize        = "SIGNALING_SEND_QUEUE_SIZE"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultListenAddr      = ":8443"
	DefaultRoomID          = "123123"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 10 * time.Second

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSWriteTimeout       = 10 * time.Second
	DefaultMaxMessageBytes      = 256 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 64
)

type Config struct {
	ListenAddr      string
	RoomID          string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("parlor-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	roomID := fs.String("room-id", envOrDefault(lookup, envVarRoomID, DefaultRoomID), "the single room id this relay serves")
	mode := fs.String("mode", modeDefault, "dev or prod")
	logFormat := fs.String("log-format", logFormatDefault, "text or json")
	logLevel := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           *listenAddr,
		RoomID:               *roomID,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		SendQueueSize:        DefaultSendQueueSize,
		WSIdleTimeout:        DefaultWSIdleTimeout,
		WSWriteTimeout:       DefaultWSWriteTimeout,
		ShutdownTimeout:      DefaultShutdownTimeout,
	}

	switch Mode(strings.ToLower(strings.TrimSpace(*mode))) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd, "production":
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid mode %q (want dev or prod)", *mode)
	}

	switch LogFormat(strings.ToLower(strings.TrimSpace(*logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid log format %q (want text or json)", *logFormat)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.RoomID == "" {
		return Config{}, fmt.Errorf("room id must not be empty")
	}

	if raw, ok := lookup(envVarAllowedOrigins); ok && strings.TrimSpace(raw) != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, entry)
			}
		}
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarWSIdleTimeout, &cfg.WSIdleTimeout},
		{envVarWSPingInterval, &cfg.WSPingInterval},
		{envVarWSWriteTimeout, &cfg.WSWriteTimeout},
	} {
		if raw, ok := lookup(d.env); ok && strings.TrimSpace(raw) != "" {
			v, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", d.env, raw, err)
			}
			*d.dst = v
		}
	}
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = cfg.WSIdleTimeout * 9 / 10
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueSize, err = envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize); err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServers(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(strings.ToLower(strings.TrimSpace(mode))) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(strings.ToLower(strings.TrimSpace(mode))) == ModeProd {
		return "info"
	}
	return "debug"
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
