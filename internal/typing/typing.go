package typing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agoradev/agora/internal/events"
	"github.com/benbjohnson/clock"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Member is one user currently typing in a topic.
type Member struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type entry struct {
	username  string
	expiresAt time.Time
}

// Channel is the event channel for a topic. Typing events ride the same
// channel as the topic's post events.
func Channel(topicID int64) string {
	return fmt.Sprintf("/topic/%d", topicID)
}

/*
	Tracker holds short-lived "is typing" state per topic. Each start
	signal arms a one-shot check at the expiry deadline that fires
	typing-stop when the client went silent without sending stop. Reads
	also filter lazily on expiresAt, so a delayed timer can never make a
	read report a stale typist.
*/

type Tracker struct {
	store   *events.Store
	logger  *slog.Logger
	clock   clock.Clock
	timeout time.Duration

	mu     sync.Mutex
	topics map[int64]map[int64]*entry
}

func NewTracker(store *events.Store, logger *slog.Logger, clk clock.Clock, timeout time.Duration) *Tracker {
	return &Tracker{
		store:   store,
		logger:  logger,
		clock:   clk,
		timeout: timeout,
		topics:  make(map[int64]map[int64]*entry),
	}
}

// Signal applies a start or stop for (topic, user). Start refreshes the
// expiry deadline; the typing-start event is only published when the user
// was not already typing. Stop is silent when nothing was there to stop.
func (t *Tracker) Signal(topicID, userID int64, username string, action Action) {
	if action == ActionStop {
		t.mu.Lock()
		users := t.topics[topicID]
		_, present := users[userID]
		if present {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.topics, topicID)
			}
		}
		t.mu.Unlock()

		if present {
			t.store.Publish(Channel(topicID), events.KindTypingStop, events.TypingPayload{
				UserID:   userID,
				Username: username,
				TopicID:  topicID,
			}, userID)
		}
		return
	}

	t.mu.Lock()
	users, ok := t.topics[topicID]
	if !ok {
		users = make(map[int64]*entry)
		t.topics[topicID] = users
	}
	_, present := users[userID]
	users[userID] = &entry{username: username, expiresAt: t.clock.Now().Add(t.timeout)}
	t.mu.Unlock()

	if !present {
		t.store.Publish(Channel(topicID), events.KindTypingStart, events.TypingPayload{
			UserID:   userID,
			Username: username,
			TopicID:  topicID,
		}, userID)
	}

	// One-shot expiry check. A later start pushes expiresAt forward, so a
	// timer armed by an earlier start finds the deadline still in the
	// future and does nothing; only the last armed timer actually expires
	// the entry. An explicit stop empties the entry first, so the timer
	// never duplicates the stop event.
	t.clock.AfterFunc(t.timeout, func() {
		t.expire(topicID, userID)
	})
}

func (t *Tracker) expire(topicID, userID int64) {
	now := t.clock.Now()

	t.mu.Lock()
	users := t.topics[topicID]
	e, present := users[userID]
	expired := present && !e.expiresAt.After(now)
	var username string
	if expired {
		username = e.username
		delete(users, userID)
		if len(users) == 0 {
			delete(t.topics, topicID)
		}
	}
	t.mu.Unlock()

	if expired {
		t.logger.Debug("Typing entry expired", "topicId", topicID, "userId", userID)
		t.store.Publish(Channel(topicID), events.KindTypingStop, events.TypingPayload{
			UserID:   userID,
			Username: username,
			TopicID:  topicID,
		}, userID)
	}
}

// List returns who is typing in the topic right now, filtering out
// entries whose deadline has passed even when their timer has not fired.
func (t *Tracker) List(topicID int64) []Member {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.topics[topicID]
	members := make([]Member, 0, len(users))
	for userID, e := range users {
		if e.expiresAt.After(now) {
			members = append(members, Member{UserID: userID, Username: e.username})
		}
	}
	return members
}
