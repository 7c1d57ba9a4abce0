package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/topicfeed/internal/credential"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/session"
)

// Login authenticates with the server and starts a session. The
// session is persisted in the vault when one is configured.
func (s *Service) Login(ctx context.Context, username, password string) (model.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return model.Identity{}, fmt.Errorf("username and password are required")
	}

	res, err := s.api.Login(ctx, username, password)
	if err != nil {
		return model.Identity{}, err
	}

	identity := model.Identity{ID: res.UserID, Username: username}
	if err := s.session.Set(identity, res.Token); err != nil {
		return model.Identity{}, fmt.Errorf("starting session: %w", err)
	}

	cur, _ := s.session.Current()
	if s.vault != nil {
		err := s.vault.Save(s.api.BaseURL(), credential.Stored{Identity: cur.Identity, Token: cur.Credential})
		if err != nil {
			s.logger.Warn("persisting session", "error", err)
		}
	}
	return cur.Identity, nil
}

// Register creates an account and signs in with it.
func (s *Service) Register(ctx context.Context, username, password string) (model.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return model.Identity{}, fmt.Errorf("username and password are required")
	}

	if _, err := s.api.Register(ctx, username, password); err != nil {
		return model.Identity{}, err
	}
	return s.Login(ctx, username, password)
}

// Logout ends the session. The stream is closed before Logout returns.
func (s *Service) Logout() error {
	s.session.Clear()
	return s.forgetStored()
}

// Restore resumes the session stored in the vault. It reports false
// when there is nothing usable to resume.
func (s *Service) Restore() (bool, error) {
	if s.vault == nil {
		return false, nil
	}

	stored, err := s.vault.Load(s.api.BaseURL())
	if errors.Is(err, credential.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Checked before Set so an expired token never starts a stream.
	expiresAt, err := session.Expiry(stored.Token)
	if err == nil && !expiresAt.IsZero() && !time.Now().Before(expiresAt) {
		s.logger.Info("stored session expired")
		return false, s.forgetStored()
	}

	if err := s.session.Set(stored.Identity, stored.Token); err != nil {
		s.logger.Warn("discarding unusable stored session", "error", err)
		return false, s.forgetStored()
	}
	return true, nil
}

// Identity returns the signed-in user.
func (s *Service) Identity() (model.Identity, bool) {
	cur, ok := s.session.Current()
	return cur.Identity, ok
}

func (s *Service) forgetStored() error {
	if s.vault == nil {
		return nil
	}
	return s.vault.Delete(s.api.BaseURL())
}
