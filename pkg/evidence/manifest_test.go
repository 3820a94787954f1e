package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/quorum/pkg/crypto"
	"github.com/zen-systems/quorum/pkg/schema"
)

func sealedRun(t *testing.T, signer *crypto.Signer) (*Writer, *Manifest) {
	t.Helper()
	w, err := NewWriter(t.TempDir(), "run-1")
	require.NoError(t, err)
	require.NoError(t, w.WriteRun(RunRecord{ID: "run-1", Status: schema.StatusCompleted}))
	ref, sha, err := w.WriteBlob("output", []byte("answer"))
	require.NoError(t, err)
	require.NoError(t, w.WriteStage(StageRecord{Index: 1, Stage: schema.StageGenerator, OutputRef: ref, OutputHash: sha}))
	m, err := w.Seal(signer)
	require.NoError(t, err)
	return w, m
}

func TestSealHashesEveryFile(t *testing.T) {
	w, m := sealedRun(t, nil)
	assert.Equal(t, ManifestSchema, m.Schema)
	assert.Equal(t, "run-1", m.RunID)
	assert.Len(t, m.Hashes, 3)
	assert.Contains(t, m.Hashes, "run.json")
	assert.Contains(t, m.Hashes, "stages/1-generator.json")
	assert.Nil(t, m.Signature)

	got, err := Verify(w.RunDir(), "")
	require.NoError(t, err)
	assert.Equal(t, m.Hashes, got.Hashes)
}

func TestVerifyDetectsTampering(t *testing.T) {
	w, _ := sealedRun(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(w.RunDir(), "run.json"), []byte(`{}`), 0o600))

	_, err := Verify(w.RunDir(), "")
	assert.ErrorContains(t, err, "hash mismatch for run.json")
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	w, _ := sealedRun(t, nil)
	require.NoError(t, os.Remove(filepath.Join(w.RunDir(), "stages", "1-generator.json")))

	_, err := Verify(w.RunDir(), "")
	assert.ErrorContains(t, err, "missing evidence file")
}

func TestSignedManifest(t *testing.T) {
	keyDir := t.TempDir()
	signer, err := crypto.NewSigner(keyDir, "local")
	require.NoError(t, err)

	w, m := sealedRun(t, signer)
	require.NotNil(t, m.Signature)
	assert.Equal(t, "local", m.Signature.PubKeyID)

	_, err = Verify(w.RunDir(), keyDir)
	require.NoError(t, err)

	_, err = Verify(w.RunDir(), t.TempDir())
	assert.Error(t, err)
}

func TestSafeJoinRejectsEscapes(t *testing.T) {
	for _, rel := range []string{"", ".", "../x", "a/../../x", "/etc/passwd"} {
		_, err := safeJoin("/tmp/run", rel)
		assert.Error(t, err, "path %q", rel)
	}
	path, err := safeJoin("/tmp/run", "blobs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/run", "blobs", "a.txt"), path)
}
