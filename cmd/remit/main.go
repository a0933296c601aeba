// Command remit runs the payment settlement service: an HTTP API that debits
// an internal fiat ledger and settles value as an ERC-20 token on an
// Ethereum-compatible chain.
//
// Usage:
//
//	remit --config config.yaml
//
// Required environment variables:
//
//	ENCRYPTION_KEY           64-hex-char key for wallet key encryption
//	For the ethereum platform: DATABASE_URL, RPC_URL, TREASURY_PRIVATE_KEY
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/config"
	"github.com/vadiminshakov/remit/internal/services/notifier"
	"github.com/vadiminshakov/remit/internal/services/payment"
	"github.com/vadiminshakov/remit/internal/services/rates"
	"github.com/vadiminshakov/remit/internal/services/settlement"
	"github.com/vadiminshakov/remit/internal/services/wallet"
	"github.com/vadiminshakov/remit/internal/storage/journal"
	"github.com/vadiminshakov/remit/internal/storage/ledger"
	"github.com/vadiminshakov/remit/internal/web"
	"go.uber.org/zap"
)

const simulatedTreasury = 1_000_000

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := wallet.NewVault(cfg.EncryptionKey, logger); err != nil {
		logger.Fatal("invalid encryption key", zap.Error(err))
	}

	sagaJournal, err := journal.New(cfg.JournalDir)
	if err != nil {
		logger.Fatal("failed to open settlement journal", zap.Error(err))
	}
	defer sagaJournal.Close()

	for _, intent := range sagaJournal.Pending() {
		logger.Warn("unresolved settlement intent, reconcile against the rail",
			zap.String("intent_id", intent.ID),
			zap.String("transaction_id", intent.TransactionID),
			zap.String("to_address", intent.ToAddress),
			zap.String("amount", intent.Amount.String()))
	}

	var liveSource rates.LiveSource
	if cfg.Platform == "ethereum" || cfg.RateURL != "" {
		liveSource = rates.NewCoinGecko(cfg.BaseCurrency, cfg.RateURL)
	}
	engine := rates.NewEngine(cfg.FeePercent, cfg.MinFee, cfg.LivePair(),
		cfg.FallbackRates, cfg.RateTTL, liveSource, logger)

	webhook := notifier.NewWebhook(cfg.WebhookURL, logger)

	var service *payment.Service
	switch cfg.Platform {
	case "ethereum":
		pg, err := ledger.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pg.Close()

		treasuryKey, err := wallet.ParsePrivateKey(cfg.TreasuryKey)
		if err != nil {
			logger.Fatal("invalid treasury private key", zap.Error(err))
		}

		eth, err := settlement.NewEthereumSettler(ctx, cfg.RPCURL, cfg.TokenAddress,
			cfg.TokenDecimals, treasuryKey, cfg.ConfirmTimeout, logger)
		if err != nil {
			logger.Fatal("failed to connect to settlement rail", zap.Error(err))
		}

		service = payment.NewService(pg, engine, eth, sagaJournal, webhook, logger)

	case "memory":
		sim := settlement.NewSimulateSettler(decimal.NewFromInt(simulatedTreasury), logger)
		service = payment.NewService(ledger.NewMemory(), engine, sim, sagaJournal, webhook, logger)

	default:
		logger.Fatal("unsupported platform", zap.String("platform", cfg.Platform))
	}

	logger.Info("starting payment service",
		zap.String("platform", cfg.Platform),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("pair", cfg.LivePair().String()))

	if err := web.NewServer(cfg.ListenAddr, service, engine, logger).Start(ctx); err != nil {
		logger.Error("http server stopped", zap.Error(err))
		os.Exit(1)
	}
}
