// Package tokenvault seals provider OAuth token pairs with AES-256-GCM.
package tokenvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// Each field is bound to its name so ciphertexts cannot be swapped.
var (
	accessAAD  = []byte("access_token")
	refreshAAD = []byte("refresh_token")
)

// Vault encrypts and decrypts token pairs. It is safe for concurrent use.
type Vault struct {
	gcm cipher.AEAD
}

// New builds a vault around a 32-byte key. The key is not retained beyond
// the cipher state; callers may zero their copy afterwards.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt seals both tokens under fresh random nonces. The stored nonce
// is base64([access nonce][refresh nonce]).
func (v *Vault) Encrypt(tok models.DecryptedToken) (models.EncryptedToken, error) {
	ns := v.gcm.NonceSize()
	nonces := make([]byte, 2*ns)
	if _, err := rand.Read(nonces); err != nil {
		return models.EncryptedToken{}, fmt.Errorf("generating nonce: %w", err)
	}

	access := v.gcm.Seal(nil, nonces[:ns], []byte(tok.AccessToken), accessAAD)
	refresh := v.gcm.Seal(nil, nonces[ns:], []byte(tok.RefreshToken), refreshAAD)

	return models.EncryptedToken{
		AccessToken:  base64.StdEncoding.EncodeToString(access),
		RefreshToken: base64.StdEncoding.EncodeToString(refresh),
		Nonce:        base64.StdEncoding.EncodeToString(nonces),
		ExpiresAt:    tok.ExpiresAt,
		Scope:        tok.Scope,
	}, nil
}

// Decrypt opens a sealed pair. Any encoding, length or authentication
// failure yields ErrDecryption.
func (v *Vault) Decrypt(enc models.EncryptedToken) (models.DecryptedToken, error) {
	ns := v.gcm.NonceSize()
	nonces, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil || len(nonces) != 2*ns {
		return models.DecryptedToken{}, apperrors.ErrDecryption
	}

	access, err := v.open(enc.AccessToken, nonces[:ns], accessAAD)
	if err != nil {
		return models.DecryptedToken{}, err
	}
	refresh, err := v.open(enc.RefreshToken, nonces[ns:], refreshAAD)
	if err != nil {
		return models.DecryptedToken{}, err
	}

	return models.DecryptedToken{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		ExpiresAt:    enc.ExpiresAt,
		Scope:        enc.Scope,
	}, nil
}

func (v *Vault) open(encoded string, nonce, aad []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(ct) < v.gcm.Overhead() {
		return nil, apperrors.ErrDecryption
	}
	pt, err := v.gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, apperrors.ErrDecryption
	}
	return pt, nil
}
