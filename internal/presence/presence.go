package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agoradev/agora/internal/events"
	"github.com/benbjohnson/clock"
)

type Action string

const (
	ActionJoin      Action = "join"
	ActionHeartbeat Action = "heartbeat"
	ActionLeave     Action = "leave"
)

// Member is one user currently present on a channel.
type Member struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type entry struct {
	username string
	lastSeen time.Time
}

/*
	Tracker holds "who is here" per channel, driven by client heartbeats.
	An entry that misses its heartbeat for longer than the timeout is
	evicted by the next sweep, and the sweep publishes the same
	presence-leave event an explicit leave would have. A user may be
	present on any number of channels at once; there is no global
	online-user registry.
*/

type Tracker struct {
	store      *events.Store
	logger     *slog.Logger
	clock      clock.Clock
	timeout    time.Duration
	sweepEvery time.Duration

	mu       sync.Mutex
	channels map[string]map[int64]*entry
}

func NewTracker(store *events.Store, logger *slog.Logger, clk clock.Clock, timeout, sweepEvery time.Duration) *Tracker {
	return &Tracker{
		store:      store,
		logger:     logger,
		clock:      clk,
		timeout:    timeout,
		sweepEvery: sweepEvery,
		channels:   make(map[string]map[int64]*entry),
	}
}

// Touch applies a join, heartbeat or leave for (channel, user) and
// returns the channel's online count after the mutation. Join and
// heartbeat are the same upsert; the join event is only published when
// the user was not already present, so repeated heartbeats stay silent.
func (t *Tracker) Touch(channel string, userID int64, username string, action Action) int {
	if action == ActionLeave {
		t.mu.Lock()
		users := t.channels[channel]
		_, present := users[userID]
		if present {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.channels, channel)
			}
		}
		count := len(t.channels[channel])
		t.mu.Unlock()

		if present {
			t.store.Publish(channel, events.KindPresenceLeave, events.PresencePayload{
				UserID:   userID,
				Username: username,
				Channel:  channel,
			}, userID)
		}
		return count
	}

	t.mu.Lock()
	users, ok := t.channels[channel]
	if !ok {
		users = make(map[int64]*entry)
		t.channels[channel] = users
	}
	_, present := users[userID]
	users[userID] = &entry{username: username, lastSeen: t.clock.Now()}
	count := len(users)
	t.mu.Unlock()

	if !present {
		t.store.Publish(channel, events.KindPresenceJoin, events.PresencePayload{
			UserID:   userID,
			Username: username,
			Channel:  channel,
		}, userID)
	}
	return count
}

// Sweep evicts every entry whose last heartbeat is older than the
// timeout, publishing a presence-leave for each. Channels left empty are
// removed from the map. Events are published after the lock is released.
func (t *Tracker) Sweep() {
	now := t.clock.Now()

	var gone []events.PresencePayload
	t.mu.Lock()
	for channel, users := range t.channels {
		for userID, e := range users {
			if now.Sub(e.lastSeen) > t.timeout {
				delete(users, userID)
				gone = append(gone, events.PresencePayload{
					UserID:   userID,
					Username: e.username,
					Channel:  channel,
				})
			}
		}
		if len(users) == 0 {
			delete(t.channels, channel)
		}
	}
	t.mu.Unlock()

	for _, p := range gone {
		t.logger.Debug("Presence entry timed out", "channel", p.Channel, "userId", p.UserID)
		t.store.Publish(p.Channel, events.KindPresenceLeave, p, p.UserID)
	}
}

// List returns the channel's members after a sweep, so a read never
// reports a user whose presence has already timed out.
func (t *Tracker) List(channel string) []Member {
	t.Sweep()

	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.channels[channel]
	members := make([]Member, 0, len(users))
	for userID, e := range users {
		members = append(members, Member{UserID: userID, Username: e.username})
	}
	return members
}

// Run drives the periodic sweep until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.Ticker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Presence sweeper stopping")
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
