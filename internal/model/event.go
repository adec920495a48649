package model

import "time"

// Event topics.
const (
	TopicEmailReceived  = "email_received"
	TopicEmailUpdated   = "email_updated"
	TopicEmailDeleted   = "email_deleted"
	TopicSyncStatus     = "sync_status"
	TopicReconciliation = "reconciliation"

	// TopicEmailUpdates aggregates every email_* topic.
	TopicEmailUpdates = "email_updates"

	// TopicAll matches every topic.
	TopicAll = "all"
)

// Event is a real-time notification fanned out to subscribed clients.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Topic names the kind of event (use Topic* constants).
	Topic string `json:"topic"`

	// Payload carries topic-specific data.
	Payload map[string]any `json:"payload"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}
