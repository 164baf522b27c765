// Package vault implements the Credential Vault: wrap/unwrap of tenant
// database credentials and OAuth secrets with a versioned, authenticated
// symmetric cipher, stable across key rotation.
package vault

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/daino/tenantcore/pkg/tenanterr"
)

// Vault wraps and unwraps plaintext secrets into opaque, versioned blobs.
// Blobs are stable across key rotation: old keys stay available for unwrap
// under their version id even after ActiveKeyID changes.
type Vault struct {
	activeKeyID string
	keys        map[string]vaultKey
}

type vaultKey struct {
	aead stdcipher.AEAD
}

// New builds a Vault from a map of key id -> base64-encoded 32-byte key, and
// the id of the key new blobs should be wrapped with.
func New(activeKeyID string, keys map[string]string) (*Vault, error) {
	if activeKeyID == "" {
		return nil, tenanterr.Wrap(tenanterr.KindMissingKey, "active key id not set", nil)
	}
	if len(keys) == 0 {
		return nil, tenanterr.Wrap(tenanterr.KindMissingKey, "no vault keys configured", nil)
	}

	v := &Vault{activeKeyID: activeKeyID, keys: make(map[string]vaultKey, len(keys))}
	for id, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding vault key %q: %w", id, err)
		}
		aead, err := chacha20poly1305.New(raw)
		if err != nil {
			return nil, fmt.Errorf("constructing cipher for vault key %q: %w", id, err)
		}
		v.keys[id] = vaultKey{aead: aead}
	}

	if _, ok := v.keys[activeKeyID]; !ok {
		return nil, tenanterr.Wrap(tenanterr.KindMissingKey, fmt.Sprintf("active key id %q has no configured key", activeKeyID), nil)
	}

	return v, nil
}

// blobVersion is the wire prefix identifying the cipher generation, so future
// algorithm changes can be introduced without breaking unwrap of old blobs.
const blobVersion = "v1"

// Wrap encrypts plain under the active key and returns an opaque blob string
// carrying the algorithm version and key id so it can be unwrapped after
// rotation.
func (v *Vault) Wrap(plain []byte) (string, error) {
	c, ok := v.keys[v.activeKeyID]
	if !ok {
		return "", tenanterr.Wrap(tenanterr.KindMissingKey, "active key no longer configured", nil)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plain, nil)

	payload := append(nonce, ciphertext...)
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	return strings.Join([]string{blobVersion, v.activeKeyID, encoded}, "."), nil
}

// Unwrap decrypts a blob produced by Wrap, using whichever key id it was
// sealed under — including keys that are no longer active, as long as they
// remain configured.
func (v *Vault) Unwrap(blob string) ([]byte, error) {
	parts := strings.SplitN(blob, ".", 3)
	if len(parts) != 3 {
		return nil, tenanterr.Wrap(tenanterr.KindCipherError, "malformed vault blob", nil)
	}

	version, keyID, encoded := parts[0], parts[1], parts[2]
	if version != blobVersion {
		return nil, tenanterr.Wrap(tenanterr.KindCipherError, fmt.Sprintf("unsupported vault blob version %q", version), nil)
	}

	c, ok := v.keys[keyID]
	if !ok {
		return nil, tenanterr.Wrap(tenanterr.KindMissingKey, fmt.Sprintf("vault key %q not configured", keyID), nil)
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, tenanterr.Wrap(tenanterr.KindCipherError, "malformed vault blob encoding", err)
	}
	if len(payload) < chacha20poly1305.NonceSize {
		return nil, tenanterr.Wrap(tenanterr.KindCipherError, "vault blob too short", nil)
	}

	nonce, ciphertext := payload[:chacha20poly1305.NonceSize], payload[chacha20poly1305.NonceSize:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, tenanterr.Wrap(tenanterr.KindCipherError, "authentication failed", err)
	}

	return plain, nil
}

// WrapString is a convenience wrapper for string secrets.
func (v *Vault) WrapString(plain string) (string, error) {
	return v.Wrap([]byte(plain))
}

// UnwrapString is a convenience wrapper for string secrets.
func (v *Vault) UnwrapString(blob string) (string, error) {
	plain, err := v.Unwrap(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
