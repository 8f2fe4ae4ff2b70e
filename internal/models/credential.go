package models

import "time"

// ExchangeCredential is an AES-GCM encrypted API key pair stored per user and exchange
type ExchangeCredential struct {
	UserID             string    `json:"user_id"`
	Exchange           string    `json:"exchange"`
	EncryptedAPIKey    string    `json:"-"`
	EncryptedSecretKey string    `json:"-"`
	IsTestnet          bool      `json:"is_testnet"`
	IsActive           bool      `json:"is_active"`
	UpdatedAt          time.Time `json:"updated_at"`
}
