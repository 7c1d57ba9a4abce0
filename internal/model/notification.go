package model

import "time"

// Notification is a server-pushed alert surfaced to the user about
// activity on a subscribed topic.
type Notification struct {
	// ID is unique within a session. It is the server event id when the
	// stream carries one that has not been seen yet, otherwise a
	// client-generated UUID.
	ID string `json:"id"`

	// ServerID is the event id exactly as delivered on the stream.
	// Empty when the frame carried none.
	ServerID string `json:"server_id,omitempty"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// TopicName correlates the notification with the topic that
	// triggered it. Optional.
	TopicName string `json:"topic_name,omitempty"`

	// PostID correlates the notification with the post that triggered
	// it. Optional.
	PostID string `json:"post_id,omitempty"`

	// ReceivedAt is the client-observed arrival time. It is not a
	// server ordering key.
	ReceivedAt time.Time `json:"received_at"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read"`
}

// Event is a parsed notification payload from the event stream, before
// the notification store assigns it an identity.
type Event struct {
	// ID is the SSE event id, if the frame had one.
	ID string `json:"-"`

	Message   string `json:"message"`
	TopicName string `json:"topic_name,omitempty"`
	PostID    string `json:"post_id,omitempty"`
}
