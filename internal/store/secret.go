package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/EricTsai83/optstuff-sub000/internal/model"
)

// sealedPrefix marks a secret encrypted by SecretBox. Values without it are
// treated as legacy plaintext.
const sealedPrefix = "enc:v1:"

// ErrSealedSecret is returned when a sealed secret cannot be opened.
var ErrSealedSecret = errors.New("store: cannot open sealed secret")

// SecretBox opens API-key secrets stored with AES-256-GCM.
// A nil *SecretBox passes values through unchanged.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a SecretBox from a hex-encoded 32-byte key. An empty
// key returns nil, meaning secrets are stored in plaintext.
func NewSecretBox(hexKey string) (*SecretBox, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("store: secret encryption key must be 32 bytes hex-encoded")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext. Used by provisioning tools and tests.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open returns the plaintext secret for a stored value.
func (b *SecretBox) Open(stored string) (model.Secret, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return model.Secret(stored), nil
	}
	if b == nil {
		return "", ErrSealedSecret
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrSealedSecret
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrSealedSecret
	}
	pt, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrSealedSecret
	}
	return model.Secret(pt), nil
}
