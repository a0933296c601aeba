// Package settlement moves value on the settlement rail. The on-chain
// implementation transfers an ERC-20 stablecoin from the pooled treasury
// wallet; the simulator provides the same contract in memory.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"go.uber.org/zap"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Result is the outcome of a settlement attempt. Reference is the rail
// transaction identifier and is populated as soon as the transfer is
// broadcast, so a confirmation timeout still leaves an auditable reference.
type Result struct {
	Reference string
}

// TreasuryBalances reports the treasury wallet holdings.
type TreasuryBalances struct {
	Native decimal.Decimal
	Token  decimal.Decimal
}

// EthereumSettler submits ERC-20 transfers from the treasury wallet and waits
// a bounded time for confirmation. It issues exactly one transfer per call
// and never retries a possibly-broadcast transaction.
type EthereumSettler struct {
	client         *ethclient.Client
	contract       *bind.BoundContract
	tokenDecimals  int32
	treasuryKey    *ecdsa.PrivateKey
	treasuryAddr   common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	logger         *zap.Logger
}

// NewEthereumSettler dials the rail RPC endpoint and binds the token contract.
func NewEthereumSettler(ctx context.Context, rpcURL, tokenAddress string, tokenDecimals int32,
	treasuryKey *ecdsa.PrivateKey, confirmTimeout time.Duration, logger *zap.Logger) (*EthereumSettler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rpcURL == "" {
		return nil, domain.Errorf(domain.CodeConfiguration, "settlement rpc url is not set")
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, domain.Errorf(domain.CodeConfiguration, "invalid token contract address %q", tokenAddress)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial settlement rpc")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "fetch chain id")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "parse token abi")
	}

	addr := common.HexToAddress(tokenAddress)
	return &EthereumSettler{
		client:         client,
		contract:       bind.NewBoundContract(addr, parsed, client, client, client),
		tokenDecimals:  tokenDecimals,
		treasuryKey:    treasuryKey,
		treasuryAddr:   crypto.PubkeyToAddress(treasuryKey.PublicKey),
		chainID:        chainID,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// Close releases the RPC client.
func (s *EthereumSettler) Close() {
	s.client.Close()
}

// Transfer sends amount (in settlement asset units) to toAddress from the
// treasury wallet. The returned Result carries the transaction hash whenever
// the transfer was broadcast, including on confirmation timeout.
func (s *EthereumSettler) Transfer(ctx context.Context, toAddress string, amount decimal.Decimal) (Result, error) {
	if !common.IsHexAddress(toAddress) {
		return Result{}, domain.Errorf(domain.CodeSettlementFailed, "invalid recipient address")
	}

	units := amount.Shift(s.tokenDecimals).BigInt()
	if units.Sign() <= 0 {
		return Result{}, domain.Errorf(domain.CodeSettlementFailed, "transfer amount is too small")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(s.treasuryKey, s.chainID)
	if err != nil {
		return Result{}, errors.Wrap(err, "build transactor")
	}
	opts.Context = ctx

	s.logger.Info("initiating settlement transfer",
		zap.String("to", toAddress),
		zap.String("amount", amount.String()),
		zap.String("from", s.treasuryAddr.Hex()))

	tx, err := s.contract.Transact(opts, "transfer", common.HexToAddress(toAddress), units)
	if err != nil {
		return Result{}, errors.Wrap(err, "submit transfer")
	}

	reference := tx.Hash().Hex()
	s.logger.Info("settlement transaction submitted", zap.String("tx_hash", reference))

	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, s.client, tx)
	if err != nil {
		// broadcast but unconfirmed within the bound: surface the hash so the
		// journal keeps it for reconciliation
		return Result{Reference: reference}, domain.Errorf(domain.CodeSettlementFailed,
			"transfer %s confirmation timed out", reference)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{Reference: reference}, domain.Errorf(domain.CodeSettlementFailed,
			"transfer %s reverted on chain", reference)
	}

	s.logger.Info("settlement transaction confirmed",
		zap.String("tx_hash", reference),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))

	return Result{Reference: reference}, nil
}

// Balance reads the token balance of an address. Read-only.
func (s *EthereumSettler) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, domain.Errorf(domain.CodeValidation, "invalid address")
	}

	var out []interface{}
	err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "read token balance")
	}

	units, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("unexpected balanceOf result type")
	}
	return decimal.NewFromBigInt(units, -s.tokenDecimals), nil
}

// TreasuryBalance reports the treasury wallet's native and token balances.
func (s *EthereumSettler) TreasuryBalance(ctx context.Context) (TreasuryBalances, error) {
	native, err := s.client.BalanceAt(ctx, s.treasuryAddr, nil)
	if err != nil {
		return TreasuryBalances{}, errors.Wrap(err, "read native balance")
	}

	token, err := s.Balance(ctx, s.treasuryAddr.Hex())
	if err != nil {
		return TreasuryBalances{}, err
	}

	return TreasuryBalances{
		Native: decimal.NewFromBigInt(native, -18),
		Token:  token,
	}, nil
}
