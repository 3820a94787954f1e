package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/quorum/pkg/crypto"
)

// ManifestFile is the name of the manifest inside a run directory.
const ManifestFile = "manifest.json"

// ManifestSchema identifies the manifest format.
const ManifestSchema = "quorum.manifest.v1"

// Manifest lists the sha256 of every file in a run directory.
type Manifest struct {
	Schema    string            `json:"schema"`
	RunID     string            `json:"run_id"`
	CreatedAt time.Time         `json:"created_at"`
	Hashes    map[string]string `json:"hashes"`
	Signature *crypto.Signature `json:"signature,omitempty"`
}

// Seal hashes everything written so far into manifest.json. A nil signer
// writes an unsigned manifest.
func (w *Writer) Seal(signer *crypto.Signer) (*Manifest, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(w.runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.runDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFile {
			return nil
		}
		sha, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = sha
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Schema:    ManifestSchema,
		RunID:     filepath.Base(w.runDir),
		CreatedAt: time.Now().UTC(),
		Hashes:    hashes,
	}
	if signer != nil {
		payload, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		m.Signature = signer.Sign(payload)
	}
	if err := writeJSON(filepath.Join(w.runDir, ManifestFile), m); err != nil {
		return nil, err
	}
	return m, nil
}

// Verify checks every hash in runDir's manifest. When the manifest is signed
// the signature is checked against keyDir; keyDir may be empty for unsigned
// manifests.
func Verify(runDir, keyDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Schema != ManifestSchema {
		return nil, fmt.Errorf("unknown manifest schema: %s", m.Schema)
	}

	for rel, expected := range m.Hashes {
		path, err := safeJoin(runDir, rel)
		if err != nil {
			return nil, fmt.Errorf("invalid hash path %q: %w", rel, err)
		}
		actual, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("missing evidence file %s: %w", rel, err)
		}
		if actual != expected {
			return nil, fmt.Errorf("hash mismatch for %s", rel)
		}
	}

	if m.Signature != nil {
		sig := m.Signature
		unsigned := m
		unsigned.Signature = nil
		payload, err := json.Marshal(&unsigned)
		if err != nil {
			return nil, err
		}
		if err := crypto.Verify(keyDir, payload, sig); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
	}
	return &m, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	normalized := filepath.FromSlash(rel)
	for _, seg := range strings.Split(normalized, string(filepath.Separator)) {
		if seg == ".." {
			return "", fmt.Errorf("path traversal detected")
		}
	}
	clean := filepath.Clean(normalized)
	if clean == "." {
		return "", fmt.Errorf("invalid path")
	}
	return filepath.Join(root, clean), nil
}
