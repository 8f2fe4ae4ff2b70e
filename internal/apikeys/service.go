package apikeys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"signal-executor/internal/models"
	"signal-executor/internal/vault"
)

// ErrNoCredential is returned when neither Vault nor the store has a usable key
var ErrNoCredential = errors.New("no active exchange credential")

// CredentialStore loads encrypted exchange credentials from persistence
type CredentialStore interface {
	GetExchangeCredential(ctx context.Context, userID, exchange string) (*models.ExchangeCredential, error)
}

// Service resolves per-user exchange credentials. Vault is consulted first,
// then the encrypted copy in the database.
type Service struct {
	vault         *vault.Client
	store         CredentialStore
	encryptionKey []byte
}

// NewService derives the AES-256 key from the master secret with HKDF-SHA256
func NewService(vaultClient *vault.Client, store CredentialStore, masterSecret string) (*Service, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("encryption key is required")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("signal-executor exchange credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return &Service{
		vault:         vaultClient,
		store:         store,
		encryptionKey: key,
	}, nil
}

// ExchangeCredentials returns the decrypted API key pair for a user on an exchange
func (s *Service) ExchangeCredentials(ctx context.Context, userID, exchange string) (string, string, error) {
	if s.vault != nil {
		cred, err := s.vault.Get(ctx, userID, exchange)
		if err == nil {
			return cred.APIKey, cred.SecretKey, nil
		}
		if !errors.Is(err, vault.ErrNotFound) {
			return "", "", err
		}
	}

	if s.store == nil {
		return "", "", ErrNoCredential
	}

	cred, err := s.store.GetExchangeCredential(ctx, userID, exchange)
	if err != nil {
		return "", "", fmt.Errorf("failed to get %s credential: %w", exchange, err)
	}
	if cred == nil || !cred.IsActive {
		return "", "", ErrNoCredential
	}
	if cred.EncryptedAPIKey == "" || cred.EncryptedSecretKey == "" {
		return "", "", fmt.Errorf("%w: %s key not stored for user %s", ErrNoCredential, exchange, userID)
	}

	apiKey, err := s.Decrypt(cred.EncryptedAPIKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt API key: %w", err)
	}
	secretKey, err := s.Decrypt(cred.EncryptedSecretKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt secret key: %w", err)
	}
	return apiKey, secretKey, nil
}

// Encrypt seals plaintext with AES-256-GCM; the nonce is prepended
func (s *Service) Encrypt(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (s *Service) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
