package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/remit/internal/domain"
	"github.com/vadiminshakov/remit/internal/services/rates"
	"github.com/vadiminshakov/remit/internal/services/settlement"
	"github.com/vadiminshakov/remit/internal/storage/journal"
	"github.com/vadiminshakov/remit/internal/storage/ledger"
)

const (
	aliceAddr = "0x52908400098527886E0F7030069857D2E4169EE7"
	bobAddr   = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*domain.PaymentTransaction
}

func (n *recordingNotifier) PaymentFinalized(tx *domain.PaymentTransaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, tx)
}

type panicSettler struct{}

func (panicSettler) Transfer(ctx context.Context, to string, amount decimal.Decimal) (settlement.Result, error) {
	panic("rail client blew up")
}

type fixture struct {
	store    *ledger.Memory
	settler  *settlement.SimulateSettler
	journal  *journal.SettlementJournal
	notifier *recordingNotifier
	service  *Service
	sender   *domain.Account
	receiver *domain.Account
}

// newFixture seeds alice with 500 fiat and builds a service on the in-memory
// ledger, the simulated rail and a fallback rate of 1.27 with 0.5%/0.01 fees.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewMemory()
	sim := settlement.NewSimulateSettler(decimal.NewFromInt(100000), nil)
	notif := &recordingNotifier{}

	j, err := journal.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	engine := rates.NewEngine(
		decimal.NewFromFloat(0.005),
		decimal.NewFromFloat(0.01),
		domain.Pair{Base: "GBP", Quote: "USDC"},
		map[string]decimal.Decimal{"GBP_USDC": decimal.NewFromFloat(1.27)},
		time.Minute,
		nil,
		nil,
	)

	sender := domain.NewAccount("alice@example.com", aliceAddr, "enc")
	sender.FiatBalance = decimal.NewFromInt(500)
	require.NoError(t, store.CreateAccount(context.Background(), sender))

	receiver := domain.NewAccount("bob@example.com", bobAddr, "enc")
	require.NoError(t, store.CreateAccount(context.Background(), receiver))

	return &fixture{
		store:    store,
		settler:  sim,
		journal:  j,
		notifier: notif,
		service:  NewService(store, engine, sim, j, notif, nil),
		sender:   sender,
		receiver: receiver,
	}
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := f.store.AccountByID(context.Background(), id)
	require.NoError(t, err)
	return account.FiatBalance
}

func sendInput(f *fixture, amount int64) SendPaymentInput {
	return SendPaymentInput{
		SenderID:       f.sender.ID,
		SenderEmail:    f.sender.Email,
		RecipientEmail: f.receiver.Email,
		AmountFiat:     decimal.NewFromInt(amount),
	}
}

func TestSendPaymentHappyPath(t *testing.T) {
	f := newFixture(t)

	result := f.service.SendPayment(context.Background(), sendInput(f, 100))
	require.True(t, result.Success, "error: %s", result.Error)
	require.NotNil(t, result.Transaction)

	tx := result.Transaction
	require.Equal(t, domain.TxStatusCompleted, tx.Status)
	require.NotEmpty(t, tx.TxHash)

	// fee = max(100 * 0.005, 0.01) = 0.5; settlement = (100 - 0.5) * 1.27
	require.True(t, tx.Fee.Equal(decimal.NewFromFloat(0.5)), "fee %s", tx.Fee)
	require.True(t, tx.ExchangeRate.Equal(decimal.NewFromFloat(1.27)))
	require.True(t, tx.AmountSettlement.Equal(decimal.NewFromFloat(126.365)), "settlement %s", tx.AmountSettlement)

	// sender debited by the full fiat amount
	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(400)))

	// value arrived on the rail
	railBalance, err := f.settler.Balance(context.Background(), bobAddr)
	require.NoError(t, err)
	require.True(t, railBalance.Equal(decimal.NewFromFloat(126.365)))

	// persisted record matches the returned one
	stored, err := f.store.TransactionByID(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusCompleted, stored.Status)
	require.Equal(t, tx.TxHash, stored.TxHash)

	// journal intent is terminal with the rail reference
	intents := f.journal.Intents()
	require.Len(t, intents, 1)
	require.Equal(t, journal.IntentStatusDone, intents[0].Status)
	require.Equal(t, tx.TxHash, intents[0].Reference)

	require.Len(t, f.notifier.events, 1)
}

func TestSendPaymentFrozenAmounts(t *testing.T) {
	f := newFixture(t)

	result := f.service.SendPayment(context.Background(), sendInput(f, 100))
	require.True(t, result.Success)

	before := *result.Transaction

	// another payment at the same amounts must not disturb the first record
	f.service.SendPayment(context.Background(), sendInput(f, 100))

	after, err := f.store.TransactionByID(context.Background(), before.ID)
	require.NoError(t, err)
	require.True(t, before.AmountFiat.Equal(after.AmountFiat))
	require.True(t, before.AmountSettlement.Equal(after.AmountSettlement))
	require.True(t, before.ExchangeRate.Equal(after.ExchangeRate))
	require.True(t, before.Fee.Equal(after.Fee))
}

func TestSendPaymentInsufficientBalance(t *testing.T) {
	f := newFixture(t)

	result := f.service.SendPayment(context.Background(), sendInput(f, 600))
	require.False(t, result.Success)
	require.Equal(t, domain.CodeInsufficientBalance, result.ErrorCode)
	require.Nil(t, result.Transaction)

	// no side effects: balance unchanged, no record created
	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(500)))

	history, err := f.service.GetHistory(context.Background(), f.sender.ID, 1, 10)
	require.NoError(t, err)
	require.Zero(t, history.Total)
}

func TestSendPaymentSettlementFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.settler.FailNext(errors.New("rail unavailable"))

	result := f.service.SendPayment(context.Background(), sendInput(f, 100))
	require.False(t, result.Success)
	require.NotNil(t, result.Transaction)
	require.Equal(t, domain.TxStatusFailed, result.Transaction.Status)
	require.NotEmpty(t, result.Transaction.ErrorMessage)

	// full compensation
	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(500)))

	stored, err := f.store.TransactionByID(context.Background(), result.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusFailed, stored.Status)
	require.Contains(t, stored.ErrorMessage, "rail unavailable")

	intents := f.journal.Intents()
	require.Len(t, intents, 1)
	require.Equal(t, journal.IntentStatusFailed, intents[0].Status)

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, domain.TxStatusFailed, f.notifier.events[0].Status)
}

func TestSendPaymentSelfTransfer(t *testing.T) {
	f := newFixture(t)

	result := f.service.SendPayment(context.Background(), SendPaymentInput{
		SenderID:       f.sender.ID,
		SenderEmail:    "alice@example.com",
		RecipientEmail: "Alice@Example.COM",
		AmountFiat:     decimal.NewFromInt(10),
	})
	require.False(t, result.Success)
	require.Equal(t, domain.CodeConflict, result.ErrorCode)

	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(500)))
}

func TestSendPaymentValidation(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int64{0, -5} {
		input := sendInput(f, amount)
		result := f.service.SendPayment(context.Background(), input)
		require.False(t, result.Success)
		require.Equal(t, domain.CodeValidation, result.ErrorCode)
	}
}

func TestSendPaymentUnknownParties(t *testing.T) {
	f := newFixture(t)

	input := sendInput(f, 10)
	input.SenderID = uuid.New()
	result := f.service.SendPayment(context.Background(), input)
	require.Equal(t, domain.CodeNotFound, result.ErrorCode)
	require.Equal(t, "sender not found", result.Error)

	input = sendInput(f, 10)
	input.RecipientEmail = "ghost@example.com"
	result = f.service.SendPayment(context.Background(), input)
	require.Equal(t, domain.CodeNotFound, result.ErrorCode)
	require.Equal(t, "recipient not found", result.Error)
}

func TestSendPaymentPanicIsCompensated(t *testing.T) {
	f := newFixture(t)
	f.service = NewService(f.store, f.service.rates, panicSettler{}, f.journal, f.notifier, nil)

	result := f.service.SendPayment(context.Background(), sendInput(f, 100))
	require.False(t, result.Success)
	require.Equal(t, domain.CodeInternal, result.ErrorCode)
	require.NotNil(t, result.Transaction)
	require.Equal(t, domain.TxStatusFailed, result.Transaction.Status)

	// the sender never ends up with money debited but unaccounted for
	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(500)))
}

func TestConcurrentPaymentsNeverOverdraw(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan PaymentResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.service.SendPayment(context.Background(), sendInput(f, 200))
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for result := range results {
		if result.Success {
			succeeded++
		}
	}

	// 500 fiat fits exactly two 200-payments
	require.Equal(t, 2, succeeded)
	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(100)))
}

func TestGetHistoryPagination(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		result := f.service.SendPayment(context.Background(), sendInput(f, 10))
		require.True(t, result.Success)
	}

	history, err := f.service.GetHistory(context.Background(), f.sender.ID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 5, history.Total)
	require.Equal(t, 3, history.TotalPages) // ceil(5/2)
	require.Equal(t, 1, history.Page)
	require.Len(t, history.Items, 2)

	// concatenating all pages yields every record exactly once
	seen := make(map[uuid.UUID]bool)
	for page := 1; page <= history.TotalPages; page++ {
		p, err := f.service.GetHistory(context.Background(), f.sender.ID, page, 2)
		require.NoError(t, err)
		for _, tx := range p.Items {
			require.False(t, seen[tx.ID])
			seen[tx.ID] = true
		}
	}
	require.Len(t, seen, 5)

	// page and pageSize are normalized
	history, err = f.service.GetHistory(context.Background(), f.sender.ID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, history.Page)
	require.Len(t, history.Items, 5)
}

func TestGetTransactionByIDAccess(t *testing.T) {
	f := newFixture(t)

	result := f.service.SendPayment(context.Background(), sendInput(f, 50))
	require.True(t, result.Success)
	txID := result.Transaction.ID

	// sender sees it
	tx, err := f.service.GetTransactionByID(context.Background(), txID, f.sender.ID)
	require.NoError(t, err)
	require.Equal(t, txID, tx.ID)

	// recipient sees it
	tx, err = f.service.GetTransactionByID(context.Background(), txID, f.receiver.ID)
	require.NoError(t, err)
	require.Equal(t, txID, tx.ID)

	// a third party gets not-found, indistinguishable from non-existence
	outsider := domain.NewAccount("carol@example.com", "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB", "enc")
	require.NoError(t, f.store.CreateAccount(context.Background(), outsider))

	_, err = f.service.GetTransactionByID(context.Background(), txID, outsider.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)

	_, err = f.service.GetTransactionByID(context.Background(), uuid.New(), f.sender.ID)
	require.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestPreviewConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	quote, err := f.service.PreviewConversion(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, quote.Fee.Equal(decimal.NewFromFloat(0.5)))
	require.True(t, quote.AmountSettlement.Equal(decimal.NewFromFloat(126.365)))

	// idempotent with an unchanged rate, and free of side effects
	again, err := f.service.PreviewConversion(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, quote.AmountSettlement.Equal(again.AmountSettlement))

	require.True(t, f.balance(t, f.sender.ID).Equal(decimal.NewFromInt(500)))
	history, err := f.service.GetHistory(ctx, f.sender.ID, 1, 10)
	require.NoError(t, err)
	require.Zero(t, history.Total)

	_, err = f.service.PreviewConversion(ctx, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestListByStatus(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.service.SendPayment(context.Background(), sendInput(f, 10)).Success)
	f.settler.FailNext(errors.New("down"))
	require.False(t, f.service.SendPayment(context.Background(), sendInput(f, 10)).Success)

	completed, err := f.service.ListByStatus(context.Background(), domain.TxStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	failed, err := f.service.ListByStatus(context.Background(), domain.TxStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = f.service.ListByStatus(context.Background(), domain.TxStatus("bogus"))
	require.Error(t, err)
}
