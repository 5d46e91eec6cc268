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

func newTestSealer(t *testing.T) *AgeSealer {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	s, err := NewAgeSealer(id)
	require.NoError(t, err)
	return s
}

func TestSealRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	ct, err := s.Seal([]byte("ghp_secret"))
	require.NoError(t, err)
	assert.NotContains(t, ct, "ghp_secret")

	pt, err := s.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", string(pt))
}

func TestOpenWithWrongIdentityFails(t *testing.T) {
	a, b := newTestSealer(t), newTestSealer(t)

	ct, err := a.SealString("token")
	require.NoError(t, err)

	_, err = b.Open(ct)
	assert.Error(t, err)
}

func TestOpenRejectsGarbage(t *testing.T) {
	s := newTestSealer(t)

	_, err := s.Open("")
	assert.ErrorIs(t, err, ErrEmptyCiphertext)

	_, err = s.Open("not base64 !!")
	assert.Error(t, err)
}

func TestEscrowRecipientCanOpen(t *testing.T) {
	escrow, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	primary, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	s, err := NewAgeSealer(primary, escrow.Recipient().String())
	require.NoError(t, err)
	ct, err := s.SealString("shared")
	require.NoError(t, err)

	escrowSealer, err := NewAgeSealer(escrow)
	require.NoError(t, err)
	pt, err := escrowSealer.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(pt))
}

func TestGenerateAndLoadIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.txt")

	pub, err := GenerateIdentityFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "age1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = GenerateIdentityFile(path)
	assert.Error(t, err, "existing identity must not be overwritten")

	s, err := LoadAgeSealer(path)
	require.NoError(t, err)
	assert.Equal(t, pub, s.Recipient())
}

func TestZero(t *testing.T) {
	b := []byte("secret")
	Zero(b)
	assert.Equal(t, make([]byte, 6), b)
}
