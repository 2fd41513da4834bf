package service

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agoradev/agora/internal/config"
	"github.com/agoradev/agora/internal/events"
	"github.com/agoradev/agora/internal/identity"
	"github.com/agoradev/agora/internal/presence"
	"github.com/agoradev/agora/internal/typing"
	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-forum-secret"

type testHarness struct {
	svc   *Service
	store *events.Store
	clock *clock.Mock
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.Server{HttpBinding: "127.0.0.1:0"},
		Auth:   config.Auth{JWTSecret: testSecret, TokenCacheTTL: time.Minute},
		Realtime: config.Realtime{
			PresenceTimeout:   60 * time.Second,
			SweepInterval:     30 * time.Second,
			TypingTimeout:     5 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			EventBufferSize:   64,
		},
		Sessions: config.Sessions{
			WebSocketReadBufferSize:  1024,
			WebSocketWriteBufferSize: 1024,
		},
		RateLimiters: config.RateLimiters{
			Default: config.RateLimiterConfig{Limit: 1000, Burst: 1000},
		},
	}
}

func newTestHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	mock := clock.NewMock()
	mock.Set(time.Now())

	logger := slog.Default()
	store := events.NewStore(logger, mock)
	presenceTracker := presence.NewTracker(store, logger, mock, cfg.Realtime.PresenceTimeout, cfg.Realtime.SweepInterval)
	typingTracker := typing.NewTracker(store, logger, mock, cfg.Realtime.TypingTimeout)
	resolver := identity.NewResolver(logger, cfg.Auth.JWTSecret, cfg.Auth.TokenCacheTTL)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := New(ctx, logger, cfg, mock, store, presenceTracker, typingTracker, resolver)
	return &testHarness{svc: svc, store: store, clock: mock}
}

func signToken(t *testing.T, userID int64, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":  userID,
		"name": username,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// readFrame reads the next `data: <json>` SSE frame off the stream.
func readFrame(t *testing.T, reader *bufio.Reader) events.Event {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected SSE line: %q", line)

		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
}
