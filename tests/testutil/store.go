package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/store"
)

// NewTestStore returns an in-memory history store, closed when the test
// ends.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("opening history store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing history store: %v", err)
		}
	})
	return s
}

// NewTestJournal returns userID's journal over a fresh in-memory store,
// seeded with one unread notification per message, oldest first.
func NewTestJournal(t *testing.T, userID string, messages ...string) (*store.Journal, *store.SQLiteStore) {
	t.Helper()

	s := NewTestStore(t)
	j := store.ForUser(s, userID)
	base := time.Now().Add(-time.Duration(len(messages)) * time.Minute)
	for i, msg := range messages {
		n := model.Notification{
			ID:         userID + "-seed-" + msg,
			Message:    msg,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := j.AppendNotification(context.Background(), n); err != nil {
			t.Fatalf("seeding journal: %v", err)
		}
	}
	return j, s
}
