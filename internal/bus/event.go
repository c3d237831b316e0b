package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Consumers subscribe by prefix,
// e.g. "chat." for all chat-list changes.
const (
	KindChatUpdated   = "chat.updated"
	KindChatAdded     = "chat.added"
	KindMessageNew    = "message.new"
	KindSyncLive      = "sync.live"
	KindSyncDegraded  = "sync.degraded"
	KindSyncRefreshed = "sync.refreshed"
	KindStatusChanged = "session.status_changed"
)
