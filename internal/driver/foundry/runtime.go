package foundry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gm-toolbox/pkg/toolbox"
)

type runtimeConfig struct {
	ListenAddr     string   `json:"listen_addr"`
	Path           string   `json:"path"`
	PublishTimeout string   `json:"publish_timeout"`
	SettleTimeout  string   `json:"settle_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	ReadLimit      int64    `json:"read_limit"`
	ClientBuffer   int      `json:"client_buffer"`
	AllowedOrigins []string `json:"allowed_origins"`
	FrameRate      float64  `json:"frame_rate"`
	FrameBurst     int      `json:"frame_burst"`
}

type parsedRuntimeConfig struct {
	listenAddr     string
	path           string
	publishTimeout time.Duration
	settleTimeout  time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	clientBuffer   int
	allowedOrigins []string
	frameRate      float64
	frameBurst     int
}

// BuildRuntimeFromConfig builds one Foundry bridge runtime from config payload.
//
// The returned session is the target registry and permission authority of the
// users connected through the returned driver.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (toolbox.EventSource, toolbox.Driver, *Session, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return toolbox.EventSource{}, nil, nil, fmt.Errorf("parse foundry runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	session := NewSession()
	driver, err := NewDriver(
		session,
		NewDefaultDecoder(),
		WithName(name),
		WithListenAddr(cfg.listenAddr),
		WithPath(cfg.path),
		WithPublishTimeout(cfg.publishTimeout),
		WithSettleTimeout(cfg.settleTimeout),
		WithWriteTimeout(cfg.writeTimeout),
		WithReadLimit(cfg.readLimit),
		WithClientBuffer(cfg.clientBuffer),
		WithAllowedOrigins(cfg.allowedOrigins),
		WithFrameRate(cfg.frameRate, cfg.frameBurst),
		WithErrorHandler(func(_ context.Context, err error) {
			logger.Error("foundry driver async error", "driver", name, "error", err)
		}),
	)
	if err != nil {
		return toolbox.EventSource{}, nil, nil, fmt.Errorf("new foundry driver: %w", err)
	}

	return toolbox.EventSource{
		Host: DriverHost,
		ID:   name,
	}, driver, session, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	var parsed runtimeConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
		}
	}

	cfg := parsedRuntimeConfig{
		listenAddr:     strings.TrimSpace(parsed.ListenAddr),
		path:           strings.TrimSpace(parsed.Path),
		publishTimeout: defaultPublishTimeout,
		settleTimeout:  defaultSettleTimeout,
		writeTimeout:   defaultWriteTimeout,
		readLimit:      parsed.ReadLimit,
		clientBuffer:   parsed.ClientBuffer,
		frameRate:      defaultFrameRate,
		frameBurst:     defaultFrameBurst,
	}
	if cfg.listenAddr == "" {
		cfg.listenAddr = defaultListenAddr
	}
	if cfg.path == "" {
		cfg.path = defaultPath
	}
	if !strings.HasPrefix(cfg.path, "/") {
		return parsedRuntimeConfig{}, fmt.Errorf("path must start with /")
	}
	if cfg.readLimit < 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("read_limit must be >= 0")
	}
	if cfg.clientBuffer < 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("client_buffer must be >= 0")
	}
	if parsed.FrameRate < 0 || parsed.FrameBurst < 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("frame_rate and frame_burst must be >= 0")
	}
	if parsed.FrameRate > 0 {
		cfg.frameRate = parsed.FrameRate
	}
	if parsed.FrameBurst > 0 {
		cfg.frameBurst = parsed.FrameBurst
	}
	for _, origin := range parsed.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, trimmed)
		}
	}

	if timeout := strings.TrimSpace(parsed.PublishTimeout); timeout != "" {
		parsedTimeout, err := parsePositiveDuration(timeout)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse publish_timeout: %w", err)
		}
		cfg.publishTimeout = parsedTimeout
	}
	if timeout := strings.TrimSpace(parsed.SettleTimeout); timeout != "" {
		parsedTimeout, err := parsePositiveDuration(timeout)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse settle_timeout: %w", err)
		}
		cfg.settleTimeout = parsedTimeout
	}
	if timeout := strings.TrimSpace(parsed.WriteTimeout); timeout != "" {
		parsedTimeout, err := parsePositiveDuration(timeout)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.writeTimeout = parsedTimeout
	}

	return cfg, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}

	return parsed, nil
}
