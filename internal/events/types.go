package events

/*
	Event kinds carried by the realtime layer. The set is open: forum
	producers may publish kinds that are not listed here, as long as the
	payload shape is agreed with the consuming client. The kinds below are
	the ones the layer itself produces or that the stock forum producers
	emit today.
*/

const (
	KindPostCreated  = "post-created"
	KindPostUpdated  = "post-updated"
	KindPostDeleted  = "post-deleted"
	KindTopicCreated = "topic-created"
	KindLikeAdded    = "like-added"
	KindLikeRemoved  = "like-removed"
	KindNotification = "notification"

	KindPresenceJoin  = "presence-join"
	KindPresenceLeave = "presence-leave"
	KindTypingStart   = "typing-start"
	KindTypingStop    = "typing-stop"

	// Synthetic kinds owned by the streaming endpoints. KindConnected is
	// the first frame on every stream; KindKeepAlive frames are not domain
	// events and consumers must skip them.
	KindConnected = "connected"
	KindKeepAlive = "keepalive"
)

// Event is a single immutable notification. Timestamp is milliseconds
// since the epoch. ActorID is the user that caused the event, when known.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ActorID   int64  `json:"actorId,omitempty"`
}

// ConnectedPayload is the data of the synthetic KindConnected event,
// listing the channels that survived authorization filtering.
type ConnectedPayload struct {
	Channels []string `json:"channels"`
}

// PresencePayload is the data of presence-join and presence-leave events.
type PresencePayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Channel  string `json:"channel"`
}

// TypingPayload is the data of typing-start and typing-stop events.
type TypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	TopicID  int64  `json:"topicId"`
}
