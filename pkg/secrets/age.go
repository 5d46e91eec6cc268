// Package secrets seals credentials, tokens and secret variables at rest with
// age x25519 encryption. Ciphertext is stored base64-encoded in the registry.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// ErrEmptyCiphertext is returned when opening an empty string.
var ErrEmptyCiphertext = errors.New("empty ciphertext")

// AgeSealer encrypts to its own recipient plus any escrow recipients and
// decrypts with its identity.
type AgeSealer struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

// NewAgeSealer creates a sealer from an identity and optional extra recipients
// (age1... public keys) that can also decrypt sealed values.
func NewAgeSealer(identity *age.X25519Identity, escrow ...string) (*AgeSealer, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	recipients := []age.Recipient{identity.Recipient()}
	for _, key := range escrow {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing escrow recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return &AgeSealer{identity: identity, recipients: recipients}, nil
}

// LoadAgeSealer reads an identity file in age-keygen format.
func LoadAgeSealer(path string, escrow ...string) (*AgeSealer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return NewAgeSealer(x, escrow...)
		}
	}
	return nil, fmt.Errorf("no x25519 identity in %s", path)
}

// GenerateIdentityFile writes a fresh identity to path with owner-only
// permissions and returns its public key. Existing files are never overwritten.
func GenerateIdentityFile(path string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()

	pub := identity.Recipient().String()
	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", pub, identity.String()); err != nil {
		return "", fmt.Errorf("writing identity file: %w", err)
	}
	return pub, nil
}

// Recipient returns the public key of the sealer's identity.
func (s *AgeSealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext and returns base64 ciphertext.
func (s *AgeSealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal.
func (s *AgeSealer) Open(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, ErrEmptyCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// SealString is a convenience wrapper around Seal for string values.
func (s *AgeSealer) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

// Zero overwrites b in place. Callers use it on plaintext they no longer need.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
