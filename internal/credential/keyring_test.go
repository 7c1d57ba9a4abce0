package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/topicfeed/internal/model"
)

func TestVaultRoundTrip(t *testing.T) {
	v := NewVault(keyring.NewArrayKeyring(nil))
	const server = "http://localhost:8080"

	_, err := v.Load(server)
	assert.ErrorIs(t, err, ErrNotFound)

	want := Stored{Identity: model.Identity{ID: "u-1", Username: "ada"}, Token: "tok"}
	require.NoError(t, v.Save(server, want))

	got, err := v.Load(server)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = v.Load("http://other:8080")
	assert.ErrorIs(t, err, ErrNotFound, "sessions are scoped per server")

	require.NoError(t, v.Delete(server))
	_, err = v.Load(server)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, v.Delete(server), "deleting twice is fine")
}

func TestVaultRejectsCorruptItem(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: sessionKey("s"), Data: []byte("{oops")}})
	v := NewVault(ring)

	_, err := v.Load("s")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
