package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agoradev/agora/internal/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// A session of one client connected over a websocket, receiving the
// events of the channels it asked for.
type wsSession struct {
	conn    *websocket.Conn
	service *Service
	// Buffered channel of outbound frames.
	send chan []byte
	// Closed exactly once on teardown; subscription handlers and the
	// write pump both observe it.
	done      chan struct{}
	disposers []events.Disposer
	cleanup   sync.Once
}

// subscribeHandler is the websocket sibling of streamHandler, for
// clients behind intermediaries that buffer or break event streams.
func (s *Service) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	ident := s.resolver.FromRequest(r)

	channels := s.filterChannels(strings.Split(r.URL.Query().Get("channels"), ","), ident)
	if len(channels) == 0 {
		http.Error(w, "No subscribable channels", http.StatusForbidden)
		return
	}

	if !s.tryAcquireConn() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err, "channels", channels)
		s.releaseConn()
		return
	}
	s.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "channels", channels)

	session := &wsSession{
		conn:    conn,
		service: s,
		send:    make(chan []byte, s.cfg.Realtime.EventBufferSize),
		done:    make(chan struct{}),
	}

	for _, channel := range channels {
		channel := channel
		session.disposers = append(session.disposers, s.store.Subscribe(channel, func(ev events.Event) {
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal event for WebSocket dispatch", "channel", channel, "error", err)
				return
			}
			select {
			case session.send <- payload:
			case <-session.done:
			default:
				s.logger.Warn("Session send channel full, event dropped", "channel", channel, "remote_addr", conn.RemoteAddr())
			}
		}))
	}

	// Connected frame first, same contract as the SSE stream.
	connected := s.store.NewEvent("", events.KindConnected, events.ConnectedPayload{Channels: channels}, actorOf(ident))
	if payload, err := json.Marshal(connected); err == nil {
		session.send <- payload
	}

	go session.writePump()
	go session.readPump()
}

// teardown disposes the session's subscriptions, releases the connection
// slot and closes the socket. Every exit path funnels here and the
// sync.Once keeps it at exactly one execution.
func (sess *wsSession) teardown() {
	sess.cleanup.Do(func() {
		for _, dispose := range sess.disposers {
			dispose()
		}
		close(sess.done)
		sess.conn.Close()
		sess.service.releaseConn()
		sess.service.logger.Info("WebSocket session torn down", "remote_addr", sess.conn.RemoteAddr())
	})
}

// readPump discards client frames and notices disconnects. The
// application ensures at most one reader per connection by doing all
// reads here.
func (sess *wsSession) readPump() {
	defer sess.teardown()

	sess.conn.SetReadLimit(maxMessageSize)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				sess.service.logger.Error("WebSocket read error", "remote_addr", sess.conn.RemoteAddr(), "error", err)
			} else {
				sess.service.logger.Info("WebSocket connection closed", "remote_addr", sess.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

// writePump owns all writes to the connection: queued event frames plus
// the transport-level pings that keep intermediaries from timing out.
func (sess *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.teardown()
	}()

	for {
		select {
		case payload := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				sess.service.logger.Error("WebSocket message write error", "remote_addr", sess.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.service.logger.Error("WebSocket ping write error", "remote_addr", sess.conn.RemoteAddr(), "error", err)
				return
			}
		case <-sess.done:
			sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-sess.service.appCtx.Done():
			sess.service.logger.Info("Service context done, closing WebSocket connection", "remote_addr", sess.conn.RemoteAddr())
			return
		}
	}
}
