// Package store keeps the local notification history in SQLite.
//
// The in-memory notification store is bounded and emptied on logout;
// this journal keeps every delivered notification per user so the
// history command can show what arrived in earlier sessions.
package store

import (
	"context"

	"github.com/nhle/topicfeed/internal/model"
)

// NotificationFilter controls history queries.
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store defines the persistence interface for notification history.
type Store interface {
	AppendNotification(ctx context.Context, userID string, n model.Notification) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]model.Notification, error)
	CountNotifications(ctx context.Context, filter NotificationFilter) (int, error)
	DeleteNotifications(ctx context.Context, userID string) error
}

// Journal is a Store bound to one user. It satisfies the notification
// store's journal contract.
type Journal struct {
	store  Store
	userID string
}

// ForUser binds s to userID.
func ForUser(s Store, userID string) *Journal {
	return &Journal{store: s, userID: userID}
}

// AppendNotification records n for the bound user.
func (j *Journal) AppendNotification(ctx context.Context, n model.Notification) error {
	return j.store.AppendNotification(ctx, j.userID, n)
}

// MarkAllNotificationsRead marks every record of the bound user read.
func (j *Journal) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := j.store.MarkAllNotificationsRead(ctx, j.userID)
	return err
}
