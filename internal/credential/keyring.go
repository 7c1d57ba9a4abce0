// Package credential persists the signed-in session in the OS keyring so
// it survives restarts.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/nhle/topicfeed/internal/model"
)

const serviceName = "topicfeed"

// ErrNotFound is returned by Load when no session is stored for a server.
var ErrNotFound = errors.New("credential: no stored session")

// Stored is the persisted form of a session.
type Stored struct {
	Identity model.Identity `json:"identity"`
	Token    string         `json:"token"`
}

// Vault stores one session per server URL.
type Vault struct {
	ring keyring.Keyring
}

// Open returns a vault backed by the system keyring, falling back to an
// encrypted file under the config directory.
func Open() (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(model.ConfigDir(), "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("topicfeed-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Vault{ring: ring}, nil
}

// NewVault wraps an already opened keyring.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{ring: ring}
}

// Save stores the session for server, replacing any previous one.
func (v *Vault) Save(server string, s Stored) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	err = v.ring.Set(keyring.Item{
		Key:         sessionKey(server),
		Data:        data,
		Label:       "topicfeed session for " + server,
		Description: "bearer token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", sessionKey(server), err)
	}
	return nil
}

// Load returns the session stored for server, or ErrNotFound.
func (v *Vault) Load(server string) (Stored, error) {
	item, err := v.ring.Get(sessionKey(server))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Stored{}, ErrNotFound
	}
	if err != nil {
		return Stored{}, fmt.Errorf("getting credential %q: %w", sessionKey(server), err)
	}

	var s Stored
	if err := json.Unmarshal(item.Data, &s); err != nil {
		return Stored{}, fmt.Errorf("decoding credential %q: %w", sessionKey(server), err)
	}
	if s.Token == "" {
		return Stored{}, ErrNotFound
	}
	return s, nil
}

// Delete removes the session stored for server. Deleting a missing
// session is not an error.
func (v *Vault) Delete(server string) error {
	err := v.ring.Remove(sessionKey(server))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", sessionKey(server), err)
	}
	return nil
}

func sessionKey(server string) string {
	return "session:" + server
}
