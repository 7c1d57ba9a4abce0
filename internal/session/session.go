// Package session holds the signed-in identity and bearer credential.
//
// State is the single owner of the session. Components that need the
// credential call Credential at the point of use instead of caching it,
// so a logout is observed by the very next request or reconnect.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nhle/topicfeed/internal/model"
)

var (
	// ErrInvalidIdentity is returned by Set for an empty identity or one
	// that contradicts the credential's claims.
	ErrInvalidIdentity = errors.New("session: invalid identity")

	// ErrInvalidCredential is returned by Set for an empty or malformed
	// bearer token.
	ErrInvalidCredential = errors.New("session: invalid credential")
)

// Session is an immutable snapshot of the current identity and credential.
type Session struct {
	Identity   model.Identity
	Credential string

	// ExpiresAt is the credential's exp claim, zero if it has none.
	ExpiresAt time.Time
}

// Transition is delivered to observers after every Set or effective Clear.
type Transition struct {
	Session       Session
	HasCredential bool

	// Generation increases by one on every transition. Observers can use
	// it to discard work that belongs to an earlier session.
	Generation uint64
}

// State is the process-wide session owner. The zero value is not
// usable; call New.
type State struct {
	mu         sync.Mutex
	current    Session
	present    bool
	generation uint64

	obsMu     sync.Mutex
	observers map[int]func(Transition)
	nextObs   int

	// notifyMu serializes observer delivery so transitions are seen in
	// generation order even when Set and Clear race.
	notifyMu sync.Mutex
}

// New creates an empty session state.
func New() *State {
	return &State{observers: make(map[int]func(Transition))}
}

// Set replaces identity and credential atomically. The credential must
// be a structurally valid JWT; its claims are read without verifying
// the signature. A missing identity ID is filled from the user_id claim.
func (s *State) Set(identity model.Identity, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	if identity.IsZero() {
		return fmt.Errorf("%w: empty identity", ErrInvalidIdentity)
	}

	userID, expiresAt, err := parseClaims(credential)
	if err != nil {
		return err
	}

	switch {
	case identity.ID == "":
		identity.ID = userID
	case userID != "" && identity.ID != userID:
		return fmt.Errorf("%w: id %q does not match token subject %q",
			ErrInvalidIdentity, identity.ID, userID)
	}
	if identity.ID == "" {
		return fmt.Errorf("%w: no user id", ErrInvalidIdentity)
	}

	next := Session{
		Identity:   identity,
		Credential: credential,
		ExpiresAt:  expiresAt,
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.current = next
	s.present = true
	s.generation++
	tr := Transition{Session: next, HasCredential: true, Generation: s.generation}
	s.mu.Unlock()

	s.notify(tr)
	return nil
}

// Clear removes identity and credential atomically. Observers run
// before Clear returns. Clearing an empty session is a no-op.
func (s *State) Clear() {
	s.clear(func(uint64) bool { return true })
}

// ClearIf clears the session only if no transition happened since
// generation was read. It reports whether the session was cleared.
// Callers use it to act on an auth failure of a request that was made
// with an older credential.
func (s *State) ClearIf(generation uint64) bool {
	return s.clear(func(current uint64) bool { return current == generation })
}

func (s *State) clear(allow func(current uint64) bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !s.present || !allow(s.generation) {
		s.mu.Unlock()
		return false
	}
	s.current = Session{}
	s.present = false
	s.generation++
	tr := Transition{Generation: s.generation}
	s.mu.Unlock()

	s.notify(tr)
	return true
}

// Credential returns the current bearer token, if any.
func (s *State) Credential() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Credential, s.present
}

// Current returns a snapshot of the session.
func (s *State) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.present
}

// Pinned returns the credential together with the generation it belongs
// to, read in one step.
func (s *State) Pinned() (credential string, generation uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Credential, s.generation, s.present
}

// Generation returns the number of transitions so far.
func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Subscribe registers fn to be called synchronously on every
// transition, in registration order. The returned function removes it.
// Observers must not call Set or Clear.
func (s *State) Subscribe(fn func(Transition)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *State) notify(tr Transition) {
	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	s.obsMu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		s.obsMu.Lock()
		fn, ok := s.observers[id]
		s.obsMu.Unlock()
		if ok {
			fn(tr)
		}
	}
}

// Expiry returns the exp claim of credential, zero if it has none. It
// fails for anything Set would reject as malformed.
func Expiry(credential string) (time.Time, error) {
	_, expiresAt, err := parseClaims(strings.TrimSpace(credential))
	return expiresAt, err
}

// parseClaims decodes the token's claims without verifying the
// signature; the client never holds the signing key.
func parseClaims(credential string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}

	var expiresAt time.Time
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if exp != nil {
		expiresAt = exp.Time
	}

	return userID, expiresAt, nil
}

