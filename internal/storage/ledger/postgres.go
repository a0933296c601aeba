package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	wallet_address TEXT NOT NULL UNIQUE,
	encrypted_private_key TEXT NOT NULL,
	fiat_balance NUMERIC(20, 8) NOT NULL DEFAULT 0 CHECK (fiat_balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_transactions (
	id UUID PRIMARY KEY,
	sender_id UUID NOT NULL REFERENCES accounts(id),
	sender_email TEXT NOT NULL,
	recipient_email TEXT NOT NULL,
	recipient_wallet_address TEXT NOT NULL,
	amount_fiat NUMERIC(20, 8) NOT NULL,
	amount_settlement NUMERIC(20, 8) NOT NULL,
	exchange_rate NUMERIC(20, 8) NOT NULL,
	fee NUMERIC(20, 8) NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_transactions_sender_created
	ON payment_transactions (sender_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payment_transactions_status
	ON payment_transactions (status);
`

// txKey is the context key carrying an open pgx transaction, so that every
// store method called inside WithUnitOfWork transparently joins it.
type txKey struct{}

// Postgres is the pgx-backed ledger store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// WithUnitOfWork runs fn inside a single database transaction. Every write
// performed through the store within fn commits atomically; any error rolls
// everything back.
func (s *Postgres) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// q picks the in-flight transaction from the context when present.
func (s *Postgres) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// CreateAccount inserts a new account row.
func (s *Postgres) CreateAccount(ctx context.Context, account *domain.Account) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO accounts (id, email, wallet_address, encrypted_private_key, fiat_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Email, account.WalletAddress, account.EncryptedPrivateKey,
		account.FiatBalance.String(), account.CreatedAt, account.UpdatedAt)
	return errors.Wrap(err, "create account")
}

const accountColumns = `id, email, wallet_address, encrypted_private_key, fiat_balance::text, created_at, updated_at`

// AccountByID loads an account by id.
func (s *Postgres) AccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// AccountByEmail loads an account by email, case-insensitively.
func (s *Postgres) AccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		domain.NormalizeEmail(email))
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance string
	err := row.Scan(&a.ID, &a.Email, &a.WalletAddress, &a.EncryptedPrivateKey, &balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, errors.Wrap(err, "scan account")
	}
	a.FiatBalance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}
	return &a, nil
}

// Debit subtracts amount from the account balance. The row is locked for the
// duration of the surrounding unit of work, so concurrent debits against one
// account serialize on the balance check.
func (s *Postgres) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}

	var balance string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT fiat_balance::text FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAccountNotFound
		}
		return errors.Wrap(err, "lock account")
	}

	current, err := decimal.NewFromString(balance)
	if err != nil {
		return errors.Wrap(err, "decode balance")
	}
	if current.LessThan(amount) {
		return domain.ErrNegativeBalance
	}

	_, err = s.q(ctx).Exec(ctx,
		`UPDATE accounts SET fiat_balance = fiat_balance - $1, updated_at = now() WHERE id = $2`,
		amount.String(), accountID)
	return errors.Wrap(err, "debit account")
}

// Credit adds amount to the account balance.
func (s *Postgres) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.ErrInvalidAmount
	}

	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE accounts SET fiat_balance = fiat_balance + $1, updated_at = now() WHERE id = $2`,
		amount.String(), accountID)
	if err != nil {
		return errors.Wrap(err, "credit account")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// CreateTransaction inserts a payment transaction record.
func (s *Postgres) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO payment_transactions
			(id, sender_id, sender_email, recipient_email, recipient_wallet_address,
			 amount_fiat, amount_settlement, exchange_rate, fee, tx_hash, status, error_message,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.ID, tx.SenderID, tx.SenderEmail, tx.RecipientEmail, tx.RecipientWalletAddress,
		tx.AmountFiat.String(), tx.AmountSettlement.String(), tx.ExchangeRate.String(), tx.Fee.String(),
		tx.TxHash, string(tx.Status), tx.ErrorMessage, tx.CreatedAt, tx.UpdatedAt)
	return errors.Wrap(err, "create transaction")
}

// UpdateTransactionStatus moves a transaction through its state machine,
// rejecting any transition the machine does not allow.
func (s *Postgres) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TxStatus, update TxUpdate) error {
	var current string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT status FROM payment_transactions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTransactionNotFound
		}
		return errors.Wrap(err, "lock transaction")
	}

	if !domain.TxStatus(current).CanTransitionTo(status) {
		return domain.Errorf(domain.CodeConflict, "invalid status transition %s -> %s", current, status)
	}

	_, err = s.q(ctx).Exec(ctx, `
		UPDATE payment_transactions
		SET status = $1, tx_hash = $2, error_message = $3, updated_at = now()
		WHERE id = $4`,
		string(status), update.TxHash, update.ErrorMessage, id)
	return errors.Wrap(err, "update transaction status")
}

const txColumns = `id, sender_id, sender_email, recipient_email, recipient_wallet_address,
	amount_fiat::text, amount_settlement::text, exchange_rate::text, fee::text,
	tx_hash, status, error_message, created_at, updated_at`

// TransactionByID loads a single transaction record.
func (s *Postgres) TransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListBySender returns a page of the sender's transactions ordered by creation
// time, newest first, together with the total count.
func (s *Postgres) ListBySender(ctx context.Context, senderID uuid.UUID, page, pageSize int) ([]*domain.PaymentTransaction, int, error) {
	if page < 1 {
		page = 1
	}

	var total int
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_transactions WHERE sender_id = $1`, senderID).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, "count transactions")
	}

	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE sender_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		senderID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()

	items, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByStatus returns all transactions in the given status, newest first.
func (s *Postgres) ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.PaymentTransaction, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE status = $1
		ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list transactions by status")
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*domain.PaymentTransaction, error) {
	var items []*domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tx)
	}
	return items, errors.Wrap(rows.Err(), "iterate transactions")
}

func scanTransaction(row pgx.Row) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	var amountFiat, amountSettlement, rate, fee, status string

	err := row.Scan(&tx.ID, &tx.SenderID, &tx.SenderEmail, &tx.RecipientEmail, &tx.RecipientWalletAddress,
		&amountFiat, &amountSettlement, &rate, &fee,
		&tx.TxHash, &status, &tx.ErrorMessage, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&tx.AmountFiat, amountFiat},
		{&tx.AmountSettlement, amountSettlement},
		{&tx.ExchangeRate, rate},
		{&tx.Fee, fee},
	} {
		*field.dst, err = decimal.NewFromString(field.src)
		if err != nil {
			return nil, errors.Wrap(err, "decode amount")
		}
	}

	tx.Status = domain.TxStatus(status)
	return &tx, nil
}
