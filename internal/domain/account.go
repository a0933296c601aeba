package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a custodial account holder. The fiat balance is the only field
// the payment flow mutates; the encrypted private key is opaque here and is
// only ever decrypted by the key vault.
type Account struct {
	ID                  uuid.UUID
	Email               string
	WalletAddress       string
	EncryptedPrivateKey string
	FiatBalance         decimal.Decimal
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewAccount creates an account with a zero balance. Email is normalized to
// lower case so lookups are case-insensitive.
func NewAccount(email, walletAddress, encryptedPrivateKey string) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:                  uuid.New(),
		Email:               NormalizeEmail(email),
		WalletAddress:       walletAddress,
		EncryptedPrivateKey: encryptedPrivateKey,
		FiatBalance:         decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// NormalizeEmail lowercases and trims an email for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
