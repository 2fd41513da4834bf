package service

import (
	"encoding/json"
	"net/http"

	"github.com/agoradev/agora/internal/presence"
)

// presenceReadHandler returns who is on a channel right now. No identity
// required; presence is public the way the member list page is.
func (s *Service) presenceReadHandler(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "Missing channel parameter", http.StatusBadRequest)
		return
	}

	members := s.presence.List(channel)

	w.Header().Set("Content-Type", "application/json")
	rsp := struct {
		Channel string            `json:"channel"`
		Count   int               `json:"count"`
		Members []presence.Member `json:"members"`
	}{Channel: channel, Count: len(members), Members: members}

	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		s.logger.Error("Could not encode response for presence read", "channel", channel, "error", err)
	}
}
