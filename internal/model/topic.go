package model

import "time"

// Topic is a named channel users can subscribe to.
type Topic struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Post is a message published under a topic.
type Post struct {
	ID        string    `json:"id"`
	TopicID   string    `json:"topic_id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePost is the request body for publishing a post.
type CreatePost struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	TopicID string `json:"topic_id"`
}
