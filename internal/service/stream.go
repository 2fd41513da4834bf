package service

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agoradev/agora/internal/events"
)

/*
	Server-sent-events delivery. One long-lived GET per client; the
	connection is bridged onto one subscription per accepted channel and
	every delivered event becomes one `data: <json>\n\n` frame. The only
	teardown signal is the request context: client close, network drop and
	server shutdown all land on the same cleanup path, and the disposers
	are idempotent so the path is safe to reach twice.
*/

func (s *Service) streamHandler(w http.ResponseWriter, r *http.Request) {
	ident := s.resolver.FromRequest(r)

	channels := s.filterChannels(strings.Split(r.URL.Query().Get("channels"), ","), ident)
	if len(channels) == 0 {
		http.Error(w, "No subscribable channels", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Response writer does not support flushing, cannot stream")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if !s.tryAcquireConn() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseConn()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscription handlers run on publisher goroutines and must never
	// block them; events queue here and the write loop below drains.
	queue := make(chan events.Event, s.cfg.Realtime.EventBufferSize)
	disposers := make([]events.Disposer, 0, len(channels))
	for _, channel := range channels {
		channel := channel
		disposers = append(disposers, s.store.Subscribe(channel, func(ev events.Event) {
			select {
			case queue <- ev:
			default:
				s.logger.Warn("Stream queue full, event dropped", "channel", channel, "type", ev.Type)
			}
		}))
	}
	defer func() {
		for _, dispose := range disposers {
			dispose()
		}
	}()

	s.logger.Info("Stream opened", "remote_addr", r.RemoteAddr, "channels", channels)

	// The connected frame goes out before any subscriber-sourced event so
	// the client can tell "open, quiet" from "never connected".
	connected := s.store.NewEvent("", events.KindConnected, events.ConnectedPayload{Channels: channels}, actorOf(ident))
	if err := writeFrame(w, flusher, connected); err != nil {
		return
	}

	keepAlive := s.clock.Ticker(s.cfg.Realtime.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("Stream closed by client", "remote_addr", r.RemoteAddr)
			return
		case <-s.appCtx.Done():
			s.logger.Info("Service context done, closing stream", "remote_addr", r.RemoteAddr)
			return
		case ev := <-queue:
			if err := writeFrame(w, flusher, ev); err != nil {
				s.logger.Debug("Stream write failed, treating as disconnect", "remote_addr", r.RemoteAddr, "error", err)
				return
			}
		case <-keepAlive.C:
			if err := writeFrame(w, flusher, s.store.NewEvent("", events.KindKeepAlive, nil, 0)); err != nil {
				return
			}
		}
	}
}

func writeFrame(w io.Writer, flusher http.Flusher, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
