package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
)

// uowKey marks a context as running inside a Memory unit of work, where the
// store lock is already held.
type uowKey struct{}

// Memory is an in-memory ledger store with the same contract as Postgres.
// A single mutex serializes units of work, which gives the balance
// check-and-debit the same no-lost-update guarantee the row lock gives in
// Postgres.
type Memory struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*domain.Account
	byEmail      map[string]uuid.UUID
	transactions map[uuid.UUID]*domain.PaymentTransaction
	order        []uuid.UUID // creation order of transactions
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[uuid.UUID]*domain.Account),
		byEmail:      make(map[string]uuid.UUID),
		transactions: make(map[uuid.UUID]*domain.PaymentTransaction),
	}
}

// WithUnitOfWork runs fn under the store lock against a snapshot-protected
// state: if fn returns an error, every write it performed is rolled back.
func (s *Memory) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(uowKey{}) != nil {
		// nested unit of work joins the outer one
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, uowKey{}, struct{}{})); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[uuid.UUID]*domain.Account
	byEmail      map[string]uuid.UUID
	transactions map[uuid.UUID]*domain.PaymentTransaction
	order        []uuid.UUID
}

func (s *Memory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		accounts:     make(map[uuid.UUID]*domain.Account, len(s.accounts)),
		byEmail:      make(map[string]uuid.UUID, len(s.byEmail)),
		transactions: make(map[uuid.UUID]*domain.PaymentTransaction, len(s.transactions)),
		order:        append([]uuid.UUID(nil), s.order...),
	}
	for id, a := range s.accounts {
		clone := *a
		snap.accounts[id] = &clone
	}
	for email, id := range s.byEmail {
		snap.byEmail[email] = id
	}
	for id, tx := range s.transactions {
		clone := *tx
		snap.transactions[id] = &clone
	}
	return snap
}

func (s *Memory) restore(snap memorySnapshot) {
	s.accounts = snap.accounts
	s.byEmail = snap.byEmail
	s.transactions = snap.transactions
	s.order = snap.order
}

// lock acquires the store mutex unless the context already runs inside a unit
// of work holding it.
func (s *Memory) lock(ctx context.Context) func() {
	if ctx.Value(uowKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// CreateAccount registers a new account.
func (s *Memory) CreateAccount(ctx context.Context, account *domain.Account) error {
	defer s.lock(ctx)()

	if _, exists := s.byEmail[account.Email]; exists {
		return domain.Errorf(domain.CodeConflict, "email already registered")
	}

	clone := *account
	s.accounts[account.ID] = &clone
	s.byEmail[account.Email] = account.ID
	return nil
}

// AccountByID loads an account by id.
func (s *Memory) AccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	defer s.lock(ctx)()

	account, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	clone := *account
	return &clone, nil
}

// AccountByEmail loads an account by email, case-insensitively.
func (s *Memory) AccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	defer s.lock(ctx)()

	id, ok := s.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	clone := *s.accounts[id]
	return &clone, nil
}

// Debit subtracts amount from the account balance, rejecting overdrafts.
func (s *Memory) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	defer s.lock(ctx)()

	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if account.FiatBalance.LessThan(amount) {
		return domain.ErrNegativeBalance
	}

	account.FiatBalance = account.FiatBalance.Sub(amount)
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// Credit adds amount to the account balance.
func (s *Memory) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	defer s.lock(ctx)()

	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}
	account, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}

	account.FiatBalance = account.FiatBalance.Add(amount)
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateTransaction stores a new payment transaction record.
func (s *Memory) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	defer s.lock(ctx)()

	if err := tx.Validate(); err != nil {
		return err
	}

	clone := *tx
	s.transactions[tx.ID] = &clone
	s.order = append(s.order, tx.ID)
	return nil
}

// UpdateTransactionStatus moves a transaction through its state machine.
func (s *Memory) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TxStatus, update TxUpdate) error {
	defer s.lock(ctx)()

	tx, ok := s.transactions[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if !tx.Status.CanTransitionTo(status) {
		return domain.Errorf(domain.CodeConflict, "invalid status transition %s -> %s", tx.Status, status)
	}

	tx.Status = status
	tx.TxHash = update.TxHash
	tx.ErrorMessage = update.ErrorMessage
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

// TransactionByID loads a single transaction record.
func (s *Memory) TransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	defer s.lock(ctx)()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

// ListBySender returns a page of the sender's transactions, newest first,
// with the total count.
func (s *Memory) ListBySender(ctx context.Context, senderID uuid.UUID, page, pageSize int) ([]*domain.PaymentTransaction, int, error) {
	defer s.lock(ctx)()

	if page < 1 {
		page = 1
	}

	var all []*domain.PaymentTransaction
	for _, id := range s.order {
		if tx := s.transactions[id]; tx.SenderID == senderID {
			clone := *tx
			all = append(all, &clone)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ListByStatus returns all transactions in the given status, newest first.
func (s *Memory) ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.PaymentTransaction, error) {
	defer s.lock(ctx)()

	var matched []*domain.PaymentTransaction
	for _, id := range s.order {
		if tx := s.transactions[id]; tx.Status == status {
			clone := *tx
			matched = append(matched, &clone)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}
