package presence

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agoradev/agora/internal/events"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 60 * time.Second
	testSweep   = 30 * time.Second
)

func newTestTracker() (*Tracker, *events.Store, *clock.Mock) {
	mock := clock.NewMock()
	store := events.NewStore(slog.Default(), mock)
	tracker := NewTracker(store, slog.Default(), mock, testTimeout, testSweep)
	return tracker, store, mock
}

// collect subscribes to a channel and records every event kind seen.
func collect(store *events.Store, channel string) func() []events.Event {
	var mu sync.Mutex
	var seen []events.Event
	store.Subscribe(channel, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]events.Event, len(seen))
		copy(out, seen)
		return out
	}
}

func kinds(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestTracker_JoinThenHeartbeatPublishesOneJoin(t *testing.T) {
	tracker, store, _ := newTestTracker()
	seen := collect(store, "/topic/1")

	count := tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	assert.Equal(t, 1, count)

	members := tracker.List("/topic/1")
	require.Len(t, members, 1)
	assert.Equal(t, Member{UserID: 1, Username: "alice"}, members[0])

	count = tracker.Touch("/topic/1", 1, "alice", ActionHeartbeat)
	assert.Equal(t, 1, count, "heartbeat must not duplicate the entry")
	assert.Len(t, tracker.List("/topic/1"), 1)

	assert.Equal(t, []string{events.KindPresenceJoin}, kinds(seen()),
		"exactly one join event across join+heartbeat")
}

func TestTracker_LeaveRemovesAndPublishes(t *testing.T) {
	tracker, store, _ := newTestTracker()
	seen := collect(store, "/topic/1")

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	count := tracker.Touch("/topic/1", 1, "alice", ActionLeave)

	assert.Equal(t, 0, count)
	assert.Empty(t, tracker.List("/topic/1"))
	assert.Equal(t, []string{events.KindPresenceJoin, events.KindPresenceLeave}, kinds(seen()))

	payload, ok := seen()[1].Data.(events.PresencePayload)
	require.True(t, ok)
	assert.Equal(t, int64(1), payload.UserID)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "/topic/1", payload.Channel)
}

func TestTracker_LeaveWhenAbsentIsSilent(t *testing.T) {
	tracker, store, _ := newTestTracker()
	seen := collect(store, "/topic/1")

	count := tracker.Touch("/topic/1", 5, "eve", ActionLeave)
	assert.Equal(t, 0, count)
	assert.Empty(t, seen())
}

func TestTracker_SweepEvictsStaleEntries(t *testing.T) {
	tracker, store, mock := newTestTracker()
	seen := collect(store, "/topic/1")

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)

	mock.Add(testTimeout + time.Second)
	tracker.Sweep()

	assert.Empty(t, tracker.List("/topic/1"))
	assert.Equal(t, []string{events.KindPresenceJoin, events.KindPresenceLeave}, kinds(seen()),
		"exactly one leave event for the timed-out entry")

	// Sweeping again must not publish another leave.
	tracker.Sweep()
	assert.Len(t, seen(), 2)
}

func TestTracker_SweepKeepsFreshEntries(t *testing.T) {
	tracker, _, mock := newTestTracker()

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	mock.Add(testTimeout / 2)
	tracker.Touch("/topic/1", 1, "alice", ActionHeartbeat)
	mock.Add(testTimeout / 2)

	// alice heartbeated half a timeout ago, she stays.
	assert.Len(t, tracker.List("/topic/1"), 1)
}

func TestTracker_ListSweepsBeforeReturning(t *testing.T) {
	tracker, _, mock := newTestTracker()

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	mock.Add(testTimeout + time.Second)

	// No explicit sweep: List must still hide the stale entry.
	assert.Empty(t, tracker.List("/topic/1"))
}

func TestTracker_EmptyChannelRemoved(t *testing.T) {
	tracker, _, mock := newTestTracker()

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	mock.Add(testTimeout + time.Second)
	tracker.Sweep()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	_, exists := tracker.channels["/topic/1"]
	assert.False(t, exists)
}

func TestTracker_UserPresentOnManyChannels(t *testing.T) {
	tracker, _, _ := newTestTracker()

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	tracker.Touch("/topic/2", 1, "alice", ActionJoin)
	tracker.Touch("/topic/1", 1, "alice", ActionLeave)

	assert.Empty(t, tracker.List("/topic/1"))
	assert.Len(t, tracker.List("/topic/2"), 1, "leaving one channel must not touch the other")
}

func TestTracker_PeriodicSweepViaRun(t *testing.T) {
	tracker, store, mock := newTestTracker()
	seen := collect(store, "/topic/1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()
	// Let Run reach its ticker before moving the clock.
	time.Sleep(10 * time.Millisecond)

	tracker.Touch("/topic/1", 1, "alice", ActionJoin)
	mock.Add(testTimeout + testSweep)
	// Give the sweeper goroutine a beat to publish.
	assert.Eventually(t, func() bool {
		evs := kinds(seen())
		return len(evs) == 2 && evs[1] == events.KindPresenceLeave
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
