// Package crypto signs and verifies evidence manifests with ed25519 keys
// kept in a local key directory.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Algorithm is the only signature algorithm produced.
const Algorithm = "ed25519"

// Signature is a detached signature over a payload.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

// Validate checks the signature envelope.
func (s *Signature) Validate() error {
	if s.Alg != Algorithm {
		return fmt.Errorf("unsupported signature algorithm %q", s.Alg)
	}
	if s.PubKeyID == "" {
		return fmt.Errorf("pubkey_id required")
	}
	if s.Sig == "" {
		return fmt.Errorf("sig required")
	}
	return nil
}

// Signer handles signing of manifests.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
}

// NewSigner loads keyDir/keyID.key, generating and saving a new key if it
// does not exist.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	path, err := keyPath(keyDir, keyID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}

	var privateKey ed25519.PrivateKey
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key %s: invalid private key size", keyID)
		}
		privateKey = ed25519.PrivateKey(data)
	case os.IsNotExist(err):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		privateKey = priv
		if err := os.WriteFile(path, []byte(privateKey), 0o600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
	}, nil
}

// Sign returns a detached signature over payload.
func (s *Signer) Sign(payload []byte) *Signature {
	return &Signature{
		Alg:      Algorithm,
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(ed25519.Sign(s.PrivateKey, payload)),
	}
}

// Verify checks sig over payload using the key named by sig.PubKeyID.
func Verify(keyDir string, payload []byte, sig *Signature) error {
	if sig == nil {
		return fmt.Errorf("signature required")
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pubKey, err := loadPublicKey(keyDir, sig.PubKeyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, payload, sigBytes) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func loadPublicKey(keyDir, keyID string) (ed25519.PublicKey, error) {
	path, err := keyPath(keyDir, keyID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(data)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func keyPath(keyDir, keyID string) (string, error) {
	if keyDir == "" {
		return "", fmt.Errorf("key directory required")
	}
	if keyID == "" || strings.ContainsAny(keyID, `/\`) || strings.HasPrefix(keyID, ".") {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	return filepath.Join(keyDir, keyID+".key"), nil
}
