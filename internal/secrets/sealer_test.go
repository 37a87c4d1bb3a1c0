package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealer, err := NewSealer(identity.Recipient())
	require.NoError(t, err)

	token, err := NewConnectionToken()
	require.NoError(t, err)
	sealed, err := sealer.Seal(StartSecrets{
		EnvironmentID:   "env-1",
		ConnectionToken: token,
		SecretFilter:    []string{"hunter2"},
		Variables:       map[string]string{"SESSION_ID": "abc"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "-----BEGIN AGE ENCRYPTED FILE-----"))
	assert.NotContains(t, sealed, token)

	opened, err := Open(sealed, identity)
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, opened.Version)
	assert.Equal(t, "env-1", opened.EnvironmentID)
	assert.Equal(t, token, opened.ConnectionToken)
	assert.Equal(t, []string{"hunter2"}, opened.SecretFilter)
	assert.Equal(t, "abc", opened.Variables["SESSION_ID"])
}

func TestSealValidation(t *testing.T) {
	_, err := NewSealer()
	assert.EqualError(t, err, "at least one age recipient is required")

	sealer, err := NewEphemeralSealer()
	require.NoError(t, err)
	_, err = sealer.Seal(StartSecrets{})
	assert.EqualError(t, err, "connection token is required")

	sealed, err := sealer.Seal(StartSecrets{ConnectionToken: "t"})
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = Open(sealed, other)
	assert.Error(t, err)

	opened, err := Open(sealed, sealer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "t", opened.ConnectionToken)
}

func TestLoadSealerAndIdentities(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	dir := t.TempDir()

	recipientsPath := filepath.Join(dir, "recipients.txt")
	require.NoError(t, os.WriteFile(recipientsPath, []byte("# fleet key\n"+identity.Recipient().String()+"\n"), 0o600))
	keyPath := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(keyPath, []byte("# created: now\n"+identity.String()+"\n"), 0o600))

	sealer, err := LoadSealer(recipientsPath)
	require.NoError(t, err)
	assert.Nil(t, sealer.Identity())
	sealed, err := sealer.Seal(StartSecrets{ConnectionToken: "tok"})
	require.NoError(t, err)

	identities, err := LoadIdentities(keyPath)
	require.NoError(t, err)
	opened, err := Open(sealed, identities...)
	require.NoError(t, err)
	assert.Equal(t, "tok", opened.ConnectionToken)

	emptyPath := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, []byte("# nothing\n"), 0o600))
	_, err = LoadSealer(emptyPath)
	assert.EqualError(t, err, "no age recipients found")
	_, err = LoadIdentities(emptyPath)
	assert.EqualError(t, err, "no age identities found")
}

func TestNewConnectionTokenIsUnique(t *testing.T) {
	a, err := NewConnectionToken()
	require.NoError(t, err)
	b, err := NewConnectionToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
