package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSigner(dir, "local")
	require.NoError(t, err)

	payload := []byte(`{"id":"conv-1"}`)
	sig := s.Sign(payload)
	assert.Equal(t, Algorithm, sig.Alg)
	assert.Equal(t, "local", sig.PubKeyID)
	require.NoError(t, Verify(dir, payload, sig))

	assert.Error(t, Verify(dir, []byte(`{"id":"conv-2"}`), sig))
	assert.Error(t, Verify(dir, payload, nil))
	assert.Error(t, Verify(dir, payload, &Signature{Alg: "rsa", PubKeyID: "local", Sig: sig.Sig}))
}

func TestNewSignerReusesKey(t *testing.T) {
	dir := t.TempDir()
	first, err := NewSigner(dir, "local")
	require.NoError(t, err)
	second, err := NewSigner(dir, "local")
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)

	info, err := os.Stat(filepath.Join(dir, "local.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewSignerRejectsBadInput(t *testing.T) {
	_, err := NewSigner("", "local")
	assert.Error(t, err)
	_, err = NewSigner(t.TempDir(), "../escape")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.key"), []byte("nope"), 0o600))
	_, err = NewSigner(dir, "short")
	assert.Error(t, err)
}
