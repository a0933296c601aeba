package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxStatus is the payment transaction lifecycle state.
type TxStatus string

const (
	TxStatusPending    TxStatus = "pending"
	TxStatusProcessing TxStatus = "processing"
	TxStatusCompleted  TxStatus = "completed"
	TxStatusFailed     TxStatus = "failed"
)

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusProcessing, TxStatusCompleted, TxStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s TxStatus) Terminal() bool {
	return s == TxStatusCompleted || s == TxStatusFailed
}

// CanTransitionTo enforces the forward-only state machine
// pending -> processing -> {completed | failed}.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	switch s {
	case TxStatusPending:
		return next == TxStatusProcessing || next == TxStatusFailed
	case TxStatusProcessing:
		return next == TxStatusCompleted || next == TxStatusFailed
	}
	return false
}

// PaymentTransaction records a single fiat-to-settlement payment. The amount
// fields (AmountFiat, AmountSettlement, ExchangeRate, Fee) are frozen at
// creation so the quote shown to the sender matches what is attempted
// on-chain, even if the live rate moves mid-flight.
type PaymentTransaction struct {
	ID                     uuid.UUID
	SenderID               uuid.UUID
	SenderEmail            string
	RecipientEmail         string
	RecipientWalletAddress string
	AmountFiat             decimal.Decimal
	AmountSettlement       decimal.Decimal
	ExchangeRate           decimal.Decimal
	Fee                    decimal.Decimal
	TxHash                 string
	Status                 TxStatus
	ErrorMessage           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewPaymentTransaction builds a pending transaction with frozen amounts.
func NewPaymentTransaction(sender *Account, recipient *Account, amountFiat, amountSettlement, rate, fee decimal.Decimal) *PaymentTransaction {
	now := time.Now().UTC()
	return &PaymentTransaction{
		ID:                     uuid.New(),
		SenderID:               sender.ID,
		SenderEmail:            sender.Email,
		RecipientEmail:         recipient.Email,
		RecipientWalletAddress: recipient.WalletAddress,
		AmountFiat:             amountFiat,
		AmountSettlement:       amountSettlement,
		ExchangeRate:           rate,
		Fee:                    fee,
		Status:                 TxStatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Validate checks the amount invariants of a transaction record.
func (t *PaymentTransaction) Validate() error {
	if !t.Status.Valid() {
		return Errorf(CodeValidation, "invalid status %q", t.Status)
	}
	if t.AmountFiat.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if t.AmountSettlement.IsNegative() {
		return Errorf(CodeValidation, "settlement amount cannot be negative")
	}
	if t.Fee.IsNegative() {
		return Errorf(CodeValidation, "fee cannot be negative")
	}
	if t.ExchangeRate.IsNegative() {
		return Errorf(CodeValidation, "exchange rate cannot be negative")
	}
	return nil
}
