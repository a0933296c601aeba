// Package payment implements the settlement saga: debit the internal fiat
// ledger, transfer on the settlement rail, and reconcile the two. The ledger
// and the rail cannot commit atomically together, so the saga debits first
// and compensates with a refund when the rail fails.
package payment

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"github.com/vadiminshakov/remit/internal/services/rates"
	"github.com/vadiminshakov/remit/internal/services/settlement"
	"github.com/vadiminshakov/remit/internal/storage/journal"
	"github.com/vadiminshakov/remit/internal/storage/ledger"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 10 * time.Second

// ledgerStore is the contract the orchestrator requires from durable storage.
type ledgerStore interface {
	WithUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error
	AccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	AccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TxStatus, update ledger.TxUpdate) error
	TransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	ListBySender(ctx context.Context, senderID uuid.UUID, page, pageSize int) ([]*domain.PaymentTransaction, int, error)
	ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.PaymentTransaction, error)
}

// converter freezes a fiat amount into a settlement quote.
type converter interface {
	Convert(ctx context.Context, amountFiat decimal.Decimal) rates.Quote
}

// settler submits a transfer on the settlement rail. The orchestrator issues
// exactly one attempt per payment and never retries: retrying a
// possibly-already-broadcast transfer risks paying twice.
type settler interface {
	Transfer(ctx context.Context, toAddress string, amount decimal.Decimal) (settlement.Result, error)
}

// notifier receives terminal payment events. Implementations must not block
// the saga.
type notifier interface {
	PaymentFinalized(tx *domain.PaymentTransaction)
}

// SendPaymentInput is a request to pay fiat value to another account holder.
type SendPaymentInput struct {
	SenderID       uuid.UUID
	SenderEmail    string
	RecipientEmail string
	AmountFiat     decimal.Decimal
}

// PaymentResult is the saga outcome surfaced to callers. Failures always
// carry a stable code and message; the transaction record, when present, is
// the source of truth.
type PaymentResult struct {
	Success     bool
	Transaction *domain.PaymentTransaction
	ErrorCode   domain.Code
	Error       string
}

// History is a page of an account's outbound payments.
type History struct {
	Items      []*domain.PaymentTransaction
	Total      int
	TotalPages int
	Page       int
}

// Service orchestrates payment settlement.
type Service struct {
	store        ledgerStore
	rates        converter
	settler      settler
	journal      *journal.SettlementJournal
	notifier     notifier
	logger       *zap.Logger
	storeTimeout time.Duration
}

// NewService wires the orchestrator. journal and notifier may be nil.
func NewService(store ledgerStore, rateEngine converter, settler settler,
	sagaJournal *journal.SettlementJournal, notifier notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		rates:        rateEngine,
		settler:      settler,
		journal:      sagaJournal,
		notifier:     notifier,
		logger:       logger,
		storeTimeout: defaultStoreTimeout,
	}
}

// SendPayment runs the settlement saga:
//
//	validate -> load parties -> freeze quote -> debit + pending record (atomic)
//	-> processing -> rail transfer -> completed, or failed + compensating credit.
//
// Errors raised before the debit leave no side effect. After the debit every
// outcome resolves into a terminal transaction state before it is surfaced.
func (s *Service) SendPayment(ctx context.Context, input SendPaymentInput) PaymentResult {
	if input.AmountFiat.LessThanOrEqual(decimal.Zero) {
		return failResult(domain.ErrInvalidAmount)
	}
	if domain.NormalizeEmail(input.SenderEmail) == domain.NormalizeEmail(input.RecipientEmail) {
		return failResult(domain.ErrSelfTransfer)
	}

	sender, recipient, err := s.loadParties(ctx, input)
	if err != nil {
		return failResult(err)
	}
	if sender.FiatBalance.LessThan(input.AmountFiat) {
		return failResult(domain.ErrInsufficientBalance)
	}

	// the quote is computed once, before the debit, and frozen into the
	// record; it is never recomputed even if the live rate moves mid-flight
	quote := s.rates.Convert(ctx, input.AmountFiat)
	tx := domain.NewPaymentTransaction(sender, recipient, input.AmountFiat, quote.AmountSettlement, quote.Rate, quote.Fee)

	if err := s.debitAndRecord(ctx, tx, sender.ID, input.AmountFiat); err != nil {
		return failResult(err)
	}

	s.logger.Info("payment initiated",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("sender_id", sender.ID.String()),
		zap.String("recipient_email", recipient.Email),
		zap.String("amount_fiat", input.AmountFiat.String()),
		zap.String("amount_settlement", quote.AmountSettlement.String()),
		zap.String("rate_source", quote.Source))

	return s.settle(ctx, tx)
}

// loadParties fetches sender and recipient in one unit of work so both reads
// observe the same committed state.
func (s *Service) loadParties(ctx context.Context, input SendPaymentInput) (sender, recipient *domain.Account, err error) {
	err = s.unitOfWork(ctx, func(ctx context.Context) error {
		sender, err = s.store.AccountByID(ctx, input.SenderID)
		if err != nil {
			return domain.ErrSenderNotFound
		}
		recipient, err = s.store.AccountByEmail(ctx, input.RecipientEmail)
		if err != nil {
			return domain.ErrRecipientNotFound
		}
		return nil
	})
	return sender, recipient, err
}

// debitAndRecord atomically creates the pending record and debits the sender.
// The store re-checks the balance at commit time, so two concurrent sends
// cannot both spend a balance only one of them can afford.
func (s *Service) debitAndRecord(ctx context.Context, tx *domain.PaymentTransaction, senderID uuid.UUID, amount decimal.Decimal) error {
	return s.unitOfWork(ctx, func(ctx context.Context) error {
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.store.Debit(ctx, senderID, amount); err != nil {
			if errors.Is(err, domain.ErrNegativeBalance) {
				return domain.ErrInsufficientBalance
			}
			return err
		}
		return nil
	})
}

// settle drives the record to a terminal state. Any failure after the debit,
// including a panic inside the settlement call, compensates the sender before
// the result is surfaced.
func (s *Service) settle(ctx context.Context, tx *domain.PaymentTransaction) (result PaymentResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during settlement, compensating",
				zap.String("transaction_id", tx.ID.String()),
				zap.Any("panic", r))
			result = s.compensate(ctx, tx, nil, "", errors.Errorf("internal failure: %v", r))
		}
	}()

	if err := s.unitOfWork(ctx, func(ctx context.Context) error {
		return s.store.UpdateTransactionStatus(ctx, tx.ID, domain.TxStatusProcessing, ledger.TxUpdate{})
	}); err != nil {
		return s.compensate(ctx, tx, nil, "", err)
	}
	tx.Status = domain.TxStatusProcessing

	intent := s.prepareIntent(tx)

	settled, err := s.settler.Transfer(ctx, tx.RecipientWalletAddress, tx.AmountSettlement)
	if err != nil {
		return s.compensate(ctx, tx, intent, settled.Reference, err)
	}

	if err := s.unitOfWork(ctx, func(ctx context.Context) error {
		return s.store.UpdateTransactionStatus(ctx, tx.ID, domain.TxStatusCompleted, ledger.TxUpdate{TxHash: settled.Reference})
	}); err != nil {
		// the transfer is irreversible at this point: do not compensate,
		// surface the inconsistency for reconciliation instead
		s.logger.Error("settled transfer could not be recorded",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("reference", settled.Reference),
			zap.Error(err))
		return failResult(domain.Errorf(domain.CodeInternal, "payment settled but could not be recorded, reference %s", settled.Reference))
	}

	tx.Status = domain.TxStatusCompleted
	tx.TxHash = settled.Reference

	s.markIntentDone(intent, settled.Reference)
	s.notify(tx)

	s.logger.Info("payment completed",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("tx_hash", settled.Reference))

	return PaymentResult{Success: true, Transaction: tx}
}

// compensate is the saga's compensating action: mark the record failed and
// credit the debited amount back, in one durability boundary.
func (s *Service) compensate(ctx context.Context, tx *domain.PaymentTransaction, intent *journal.Intent, reference string, cause error) PaymentResult {
	message := cause.Error()

	err := s.unitOfWork(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateTransactionStatus(ctx, tx.ID, domain.TxStatusFailed, ledger.TxUpdate{ErrorMessage: message}); err != nil {
			return err
		}
		return s.store.Credit(ctx, tx.SenderID, tx.AmountFiat)
	})
	if err != nil {
		s.logger.Error("compensation failed, ledger requires manual reconciliation",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
		return failResult(domain.Errorf(domain.CodeInternal, "payment failed and refund could not be recorded"))
	}

	tx.Status = domain.TxStatusFailed
	tx.ErrorMessage = message

	s.markIntentFailed(intent, reference, cause)
	s.notify(tx)

	s.logger.Error("payment failed, sender compensated",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("reference", reference),
		zap.Error(cause))

	return PaymentResult{
		Transaction: tx,
		ErrorCode:   domain.CodeOf(cause),
		Error:       message,
	}
}

// GetHistory returns a page of the account's outbound payments, newest first.
func (s *Service) GetHistory(ctx context.Context, accountID uuid.UUID, page, pageSize int) (History, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	items, total, err := s.store.ListBySender(ctx, accountID, page, pageSize)
	if err != nil {
		return History{}, errors.Wrap(err, "list transactions")
	}

	return History{
		Items:      items,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
		Page:       page,
	}, nil
}

// GetTransactionByID returns the record only to its sender or recipient.
// Unauthorized access is indistinguishable from a missing record.
func (s *Service) GetTransactionByID(ctx context.Context, txID, requesterID uuid.UUID) (*domain.PaymentTransaction, error) {
	tx, err := s.store.TransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}

	requester, err := s.store.AccountByID(ctx, requesterID)
	if err != nil {
		return nil, domain.ErrTransactionNotFound
	}

	isSender := tx.SenderID == requesterID
	isRecipient := tx.RecipientEmail == requester.Email
	if !isSender && !isRecipient {
		s.logger.Warn("unauthorized transaction access attempt",
			zap.String("transaction_id", txID.String()),
			zap.String("requester_id", requesterID.String()))
		return nil, domain.ErrTransactionNotFound
	}

	return tx, nil
}

// PreviewConversion quotes a payment without side effects, using the same
// formula SendPayment freezes into the record.
func (s *Service) PreviewConversion(ctx context.Context, amountFiat decimal.Decimal) (rates.Quote, error) {
	if amountFiat.LessThanOrEqual(decimal.Zero) {
		return rates.Quote{}, domain.ErrInvalidAmount
	}
	return s.rates.Convert(ctx, amountFiat), nil
}

// ListByStatus exposes status queries for operational tooling.
func (s *Service) ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.PaymentTransaction, error) {
	if !status.Valid() {
		return nil, domain.Errorf(domain.CodeValidation, "invalid status %q", status)
	}
	return s.store.ListByStatus(ctx, status)
}

func (s *Service) unitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.WithUnitOfWork(ctx, fn)
}

func (s *Service) prepareIntent(tx *domain.PaymentTransaction) *journal.Intent {
	if s.journal == nil {
		return nil
	}
	intent, err := s.journal.Prepare(tx.ID, tx.RecipientWalletAddress, tx.AmountSettlement)
	if err != nil {
		// the journal is an audit aid, not a saga participant
		s.logger.Warn("failed to journal settlement intent",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
		return nil
	}
	return intent
}

func (s *Service) markIntentDone(intent *journal.Intent, reference string) {
	if s.journal == nil || intent == nil {
		return
	}
	if err := s.journal.MarkDone(intent, reference); err != nil {
		s.logger.Warn("failed to journal settlement outcome", zap.Error(err))
	}
}

func (s *Service) markIntentFailed(intent *journal.Intent, reference string, cause error) {
	if s.journal == nil || intent == nil {
		return
	}
	if err := s.journal.MarkFailed(intent, reference, cause); err != nil {
		s.logger.Warn("failed to journal settlement outcome", zap.Error(err))
	}
}

func (s *Service) notify(tx *domain.PaymentTransaction) {
	if s.notifier == nil {
		return
	}
	s.notifier.PaymentFinalized(tx)
}

func failResult(err error) PaymentResult {
	return PaymentResult{ErrorCode: domain.CodeOf(err), Error: err.Error()}
}
