package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"go.uber.org/zap"
)

// SimulateSettler is a deterministic in-memory settlement rail for tests and
// simulate mode. It applies transfers instantly against a balances map and
// can be told to fail the next transfer.
type SimulateSettler struct {
	mu       sync.Mutex
	logger   *zap.Logger
	treasury decimal.Decimal
	balances map[string]decimal.Decimal
	nextErr  error
	seq      int
}

// NewSimulateSettler creates a simulator with the given treasury balance.
func NewSimulateSettler(treasury decimal.Decimal, logger *zap.Logger) *SimulateSettler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulateSettler{
		logger:   logger,
		treasury: treasury,
		balances: make(map[string]decimal.Decimal),
	}
}

// FailNext makes the next Transfer return err instead of settling.
func (s *SimulateSettler) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}

// Transfer settles instantly in memory.
func (s *SimulateSettler) Transfer(ctx context.Context, toAddress string, amount decimal.Decimal) (Result, error) {
	if !common.IsHexAddress(toAddress) {
		return Result{}, domain.Errorf(domain.CodeSettlementFailed, "invalid recipient address")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return Result{}, domain.Errorf(domain.CodeSettlementFailed, "transfer amount is too small")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextErr != nil {
		err := s.nextErr
		s.nextErr = nil
		return Result{}, err
	}
	if s.treasury.LessThan(amount) {
		return Result{}, domain.Errorf(domain.CodeSettlementFailed, "treasury balance exhausted")
	}

	s.treasury = s.treasury.Sub(amount)
	s.balances[toAddress] = s.balances[toAddress].Add(amount)
	s.seq++

	reference := fmt.Sprintf("0xsim%08d", s.seq)
	s.logger.Info("simulated settlement transfer",
		zap.String("to", toAddress),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))

	return Result{Reference: reference}, nil
}

// Balance returns the simulated token balance of an address.
func (s *SimulateSettler) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

// TreasuryBalance reports the remaining simulated treasury funds.
func (s *SimulateSettler) TreasuryBalance(ctx context.Context) (TreasuryBalances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return TreasuryBalances{Native: decimal.NewFromInt(1), Token: s.treasury}, nil
}
