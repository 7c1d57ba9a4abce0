package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nhle/topicfeed/internal/model"
)

// Credentials is the body of the login and register calls.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the server's answer to a successful login.
type LoginResult struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

type registerResult struct {
	ID string `json:"id"`
}

// Login exchanges username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var res LoginResult
	if err := c.post(ctx, "/login", Credentials{Username: username, Password: password}, &res); err != nil {
		return LoginResult{}, fmt.Errorf("logging in: %w", err)
	}
	if res.Token == "" {
		return LoginResult{}, fmt.Errorf("logging in: server returned no token")
	}
	return res, nil
}

// Register creates an account and returns its user id.
func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	var res registerResult
	if err := c.post(ctx, "/register", Credentials{Username: username, Password: password}, &res); err != nil {
		return "", fmt.Errorf("registering: %w", err)
	}
	return res.ID, nil
}

// Topics lists every topic.
func (c *Client) Topics(ctx context.Context) ([]model.Topic, error) {
	var topics []model.Topic
	if err := c.get(ctx, "/topics", &topics); err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	return topics, nil
}

// Subscriptions lists the topics the signed-in user follows.
func (c *Client) Subscriptions(ctx context.Context) ([]model.Topic, error) {
	var topics []model.Topic
	if err := c.get(ctx, "/subscriptions", &topics); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return topics, nil
}

// Posts lists the posts of a topic.
func (c *Client) Posts(ctx context.Context, topicID string) ([]model.Post, error) {
	var posts []model.Post
	if err := c.get(ctx, topicPath(topicID, "posts"), &posts); err != nil {
		return nil, fmt.Errorf("listing posts of topic %s: %w", topicID, err)
	}
	return posts, nil
}

// CreatePost publishes a post under p.TopicID.
func (c *Client) CreatePost(ctx context.Context, p model.CreatePost) error {
	if err := c.post(ctx, topicPath(p.TopicID, "posts"), p, nil); err != nil {
		return fmt.Errorf("creating post in topic %s: %w", p.TopicID, err)
	}
	return nil
}

// Subscribe follows a topic.
func (c *Client) Subscribe(ctx context.Context, topicID string) error {
	if err := c.post(ctx, topicPath(topicID, "subscribe"), nil, nil); err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", topicID, err)
	}
	return nil
}

// Unsubscribe stops following a topic.
func (c *Client) Unsubscribe(ctx context.Context, topicID string) error {
	if err := c.post(ctx, topicPath(topicID, "unsubscribe"), nil, nil); err != nil {
		return fmt.Errorf("unsubscribing from topic %s: %w", topicID, err)
	}
	return nil
}

func topicPath(topicID, action string) string {
	return "/topics/" + url.PathEscape(topicID) + "/" + action
}
