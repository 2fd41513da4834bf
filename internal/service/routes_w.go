package service

import (
	"encoding/json"
	"net/http"

	"github.com/agoradev/agora/internal/presence"
	"github.com/agoradev/agora/internal/typing"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

/*
	Handlers that mutate state. Every one of them resolves identity and
	validates the payload before touching any map: a malformed or
	unauthenticated call changes nothing.
*/

type publishRequest struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Data    any    `json:"data"`
}

func (p publishRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Channel, validation.Required),
		validation.Field(&p.Type, validation.Required),
	)
}

// publishHandler is the thin authenticated wrapper server-side producers
// (post creation, likes, notifications) call to fan an event out.
func (s *Service) publishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident := s.resolver.FromRequest(r)
	if ident == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var p publishRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event := s.store.Publish(p.Channel, p.Type, p.Data, ident.UserID)
	s.logger.Debug("Event published", "channel", p.Channel, "type", p.Type, "actorId", ident.UserID)

	// Echo the constructed event so the producer can reuse id/timestamp.
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(event); err != nil {
		s.logger.Error("Could not encode response for publish", "channel", p.Channel, "error", err)
	}
}

type presenceRequest struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
}

func (p presenceRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Channel, validation.Required),
		validation.Field(&p.Action, validation.Required, validation.In(
			string(presence.ActionJoin), string(presence.ActionHeartbeat), string(presence.ActionLeave))),
	)
}

func (s *Service) presenceHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.presenceReadHandler(w, r)
	case http.MethodPost:
		s.presenceWriteHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) presenceWriteHandler(w http.ResponseWriter, r *http.Request) {
	ident := s.resolver.FromRequest(r)
	if ident == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var p presenceRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count := s.presence.Touch(p.Channel, ident.UserID, ident.Username, presence.Action(p.Action))

	w.Header().Set("Content-Type", "application/json")
	rsp := struct {
		Online int `json:"online"`
	}{Online: count}
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		s.logger.Error("Could not encode response for presence", "channel", p.Channel, "error", err)
	}
}

type typingRequest struct {
	TopicID int64  `json:"topicId"`
	Action  string `json:"action"`
}

func (p typingRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.TopicID, validation.Required, validation.Min(int64(1))),
		validation.Field(&p.Action, validation.Required, validation.In(
			string(typing.ActionStart), string(typing.ActionStop))),
	)
}

func (s *Service) typingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ident := s.resolver.FromRequest(r)
	if ident == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var p typingRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.typing.Signal(p.TopicID, ident.UserID, ident.Username, typing.Action(p.Action))

	w.Header().Set("Content-Type", "application/json")
	rsp := struct {
		Typing []typing.Member `json:"typing"`
	}{Typing: s.typing.List(p.TopicID)}
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		s.logger.Error("Could not encode response for typing", "topicId", p.TopicID, "error", err)
	}
}
