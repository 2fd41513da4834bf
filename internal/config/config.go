package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Server struct {
	HttpBinding string `yaml:"httpBinding"`
	TLS         TLS    `yaml:"tls"`
}

type Auth struct {
	// Shared HS256 secret with the forum's auth service.
	JWTSecret     string        `yaml:"jwtSecret"`
	TokenCacheTTL time.Duration `yaml:"tokenCacheTTL"`
}

type Realtime struct {
	PresenceTimeout   time.Duration `yaml:"presenceTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	TypingTimeout     time.Duration `yaml:"typingTimeout"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	EventBufferSize   int           `yaml:"eventBufferSize"`
}

type Sessions struct {
	// Concurrent streaming connections (SSE and WebSocket combined).
	// Zero means unlimited.
	MaxConnections           int `yaml:"maxConnections"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Default  RateLimiterConfig `yaml:"default"`
	Events   RateLimiterConfig `yaml:"events"`
	Presence RateLimiterConfig `yaml:"presence"`
	Typing   RateLimiterConfig `yaml:"typing"`
	Stream   RateLimiterConfig `yaml:"stream"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server       Server       `yaml:"server"`
	Auth         Auth         `yaml:"auth"`
	Realtime     Realtime     `yaml:"realtime"`
	Sessions     Sessions     `yaml:"sessions"`
	RateLimiters RateLimiters `yaml:"rateLimiters"`
	Logging      Logging      `yaml:"logging"`
}

var (
	ErrConfigFileUnreadable            = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable        = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing              = errors.New("server.httpBinding is missing in config")
	ErrJWTSecretMissing                = errors.New("auth.jwtSecret is missing in config")
	ErrTLSMissing                      = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrPresenceTimeoutMissing          = errors.New("realtime.presenceTimeout is missing in config")
	ErrSweepIntervalMissing            = errors.New("realtime.sweepInterval is missing in config")
	ErrTypingTimeoutMissing            = errors.New("realtime.typingTimeout is missing in config")
	ErrKeepAliveIntervalMissing        = errors.New("realtime.keepAliveInterval is missing in config")
	ErrEventBufferSizeMissing          = errors.New("realtime.eventBufferSize is missing or invalid in config")
	ErrRateLimitersDefaultLimitMissing = errors.New("rateLimiters.default.limit is missing in config")
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.Server.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}

	if cfg.Server.TLS.Cert != "" && cfg.Server.TLS.Key == "" ||
		cfg.Server.TLS.Cert == "" && cfg.Server.TLS.Key != "" {
		return nil, ErrTLSMissing
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, ErrJWTSecretMissing
	}
	if cfg.Auth.TokenCacheTTL == 0 {
		cfg.Auth.TokenCacheTTL = 5 * time.Minute
	}

	if cfg.Realtime.PresenceTimeout == 0 {
		return nil, ErrPresenceTimeoutMissing
	}
	if cfg.Realtime.SweepInterval == 0 {
		return nil, ErrSweepIntervalMissing
	}
	if cfg.Realtime.TypingTimeout == 0 {
		return nil, ErrTypingTimeoutMissing
	}
	if cfg.Realtime.KeepAliveInterval == 0 {
		return nil, ErrKeepAliveIntervalMissing
	}
	if cfg.Realtime.EventBufferSize <= 0 {
		return nil, ErrEventBufferSizeMissing
	}

	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		cfg.Sessions.WebSocketReadBufferSize = 1024
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		cfg.Sessions.WebSocketWriteBufferSize = 1024
	}

	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultLimitMissing
	}

	return &cfg, nil
}

// GenerateConfig returns a starter configuration with the stock forum
// timeouts and a freshly generated token secret.
func GenerateConfig() (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	return &Config{
		Server: Server{
			HttpBinding: "127.0.0.1:8089",
		},
		Auth: Auth{
			JWTSecret:     hex.EncodeToString(secret),
			TokenCacheTTL: 5 * time.Minute,
		},
		Realtime: Realtime{
			PresenceTimeout:   60 * time.Second,
			SweepInterval:     30 * time.Second,
			TypingTimeout:     5 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			EventBufferSize:   256,
		},
		Sessions: Sessions{
			MaxConnections:           0, // unlimited
			WebSocketReadBufferSize:  1024,
			WebSocketWriteBufferSize: 1024,
		},
		RateLimiters: RateLimiters{
			Default:  RateLimiterConfig{Limit: 25, Burst: 50},
			Events:   RateLimiterConfig{Limit: 50, Burst: 100},
			Presence: RateLimiterConfig{Limit: 25, Burst: 50},
			Typing:   RateLimiterConfig{Limit: 25, Burst: 50},
			Stream:   RateLimiterConfig{Limit: 10, Burst: 20},
		},
		Logging: Logging{
			Level: "info",
		},
	}, nil
}
