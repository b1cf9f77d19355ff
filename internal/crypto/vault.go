// Package crypto implements the credential vault. OAuth tokens are envelope
// encrypted: a per-connection data key derived from an organization-scoped
// master key wraps the payload with AES-256-GCM, and the connection id is
// bound in as additional authenticated data so ciphertext copied between
// rows fails to decrypt.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/rs/zerolog/log"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

const saltSize = 32

// KeyProvider supplies organization-scoped master keys. The external key
// service sits behind this interface; versions increase on rotation.
type KeyProvider interface {
	// MasterKey returns the current master key and its version for an org.
	MasterKey(ctx context.Context, orgID string) ([]byte, int, error)
	// MasterKeyVersion returns the key for a specific historical version.
	MasterKeyVersion(ctx context.Context, orgID string, version int) ([]byte, error)
}

// CredentialStore persists ciphertext rows. Implemented by the sqlite store.
type CredentialStore interface {
	PutCredentials(ctx context.Context, rec models.EncryptedCredentials) error
	GetCredentials(ctx context.Context, connectionID string) (models.EncryptedCredentials, error)
	DeleteCredentials(ctx context.Context, connectionID string) error
}

// Vault encrypts, stores, and retrieves per-connection OAuth credentials.
type Vault struct {
	keys  KeyProvider
	store CredentialStore
}

// NewVault creates a credential vault over the given key provider and store.
func NewVault(keys KeyProvider, store CredentialStore) *Vault {
	return &Vault{keys: keys, store: store}
}

// Put encrypts and stores credentials for a connection, returning the key
// version used.
func (v *Vault) Put(ctx context.Context, orgID, connectionID string, creds models.Credentials) (int, error) {
	master, version, err := v.keys.MasterKey(ctx, orgID)
	if err != nil {
		return 0, apperr.New(apperr.KindKeyUnavailable, "vault.put", err).WithResource(connectionID)
	}

	ciphertext, err := seal(master, connectionID, creds)
	if err != nil {
		return 0, apperr.New(apperr.KindInternal, "vault.put", err).WithResource(connectionID)
	}

	rec := models.EncryptedCredentials{
		ConnectionID: connectionID,
		Ciphertext:   ciphertext,
		KeyVersion:   version,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := v.store.PutCredentials(ctx, rec); err != nil {
		return 0, err
	}
	return version, nil
}

// Seal encrypts credentials without persisting them, for callers that write
// the ciphertext row inside a larger transaction.
func (v *Vault) Seal(ctx context.Context, orgID, connectionID string, creds models.Credentials) (models.EncryptedCredentials, error) {
	master, version, err := v.keys.MasterKey(ctx, orgID)
	if err != nil {
		return models.EncryptedCredentials{}, apperr.New(apperr.KindKeyUnavailable, "vault.seal", err).
			WithResource(connectionID)
	}
	ciphertext, err := seal(master, connectionID, creds)
	if err != nil {
		return models.EncryptedCredentials{}, apperr.New(apperr.KindInternal, "vault.seal", err).
			WithResource(connectionID)
	}
	return models.EncryptedCredentials{
		ConnectionID: connectionID,
		Ciphertext:   ciphertext,
		KeyVersion:   version,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// Get retrieves and decrypts credentials for a connection.
func (v *Vault) Get(ctx context.Context, orgID, connectionID string) (models.Credentials, error) {
	rec, err := v.store.GetCredentials(ctx, connectionID)
	if err != nil {
		return models.Credentials{}, err
	}

	master, err := v.keys.MasterKeyVersion(ctx, orgID, rec.KeyVersion)
	if err != nil {
		return models.Credentials{}, apperr.New(apperr.KindKeyUnavailable, "vault.get", err).WithResource(connectionID)
	}

	creds, err := open(master, connectionID, rec.Ciphertext)
	if err != nil {
		// A decrypt failure is security relevant: either the row was copied
		// across connections or the key material is wrong. Never include the
		// ciphertext or key detail in the error.
		log.Error().Str("connection", connectionID).Int("keyVersion", rec.KeyVersion).
			Msg("Credential decryption failed")
		return models.Credentials{}, apperr.Newf(apperr.KindDecryptionFailure, "vault.get",
			"credential payload unreadable").WithResource(connectionID)
	}
	return creds, nil
}

// Rotate atomically replaces the ciphertext under the current master key
// version. Prior ciphertext becomes unreadable once the row is replaced.
func (v *Vault) Rotate(ctx context.Context, orgID, connectionID string, creds models.Credentials) (int, error) {
	return v.Put(ctx, orgID, connectionID, creds)
}

// Delete removes stored credentials for a connection.
func (v *Vault) Delete(ctx context.Context, connectionID string) error {
	return v.store.DeleteCredentials(ctx, connectionID)
}

// seal envelope-encrypts the credential payload. Output layout is
// salt || nonce || AES-GCM(sealed payload).
func seal(master []byte, connectionID string, creds models.Credentials) ([]byte, error) {
	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := dataCipher(master, salt, connectionID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(payload)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, payload, []byte(connectionID))
	return out, nil
}

// open reverses seal. The connection id must match the AAD used at seal time.
func open(master []byte, connectionID string, ciphertext []byte) (models.Credentials, error) {
	if len(ciphertext) < saltSize {
		return models.Credentials{}, fmt.Errorf("ciphertext too short")
	}
	salt, rest := ciphertext[:saltSize], ciphertext[saltSize:]

	gcm, err := dataCipher(master, salt, connectionID)
	if err != nil {
		return models.Credentials{}, err
	}

	if len(rest) < gcm.NonceSize() {
		return models.Credentials{}, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	payload, err := gcm.Open(nil, nonce, sealed, []byte(connectionID))
	if err != nil {
		return models.Credentials{}, err
	}

	var creds models.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return models.Credentials{}, err
	}
	return creds, nil
}

// dataCipher derives the per-connection data key with HKDF and returns an
// AES-256-GCM AEAD over it.
func dataCipher(master, salt []byte, connectionID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, master, salt, []byte("skylight-credentials:"+connectionID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
