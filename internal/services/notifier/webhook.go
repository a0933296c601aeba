// Package notifier delivers terminal payment events to an external webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vadiminshakov/remit/internal/domain"
	"go.uber.org/zap"
)

const deliveryTimeout = 5 * time.Second

type event struct {
	TransactionID    string    `json:"transaction_id"`
	SenderID         string    `json:"sender_id"`
	RecipientEmail   string    `json:"recipient_email"`
	Status           string    `json:"status"`
	AmountFiat       string    `json:"amount_fiat"`
	AmountSettlement string    `json:"amount_settlement"`
	TxHash           string    `json:"tx_hash,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Webhook posts payment outcomes to a configured URL. Delivery is
// fire-and-forget: a slow or dead endpoint never blocks or fails a payment.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhook creates a webhook notifier. An empty url disables delivery.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// PaymentFinalized delivers the terminal state of tx in the background.
func (w *Webhook) PaymentFinalized(tx *domain.PaymentTransaction) {
	if w.url == "" {
		return
	}

	payload := event{
		TransactionID:    tx.ID.String(),
		SenderID:         tx.SenderID.String(),
		RecipientEmail:   tx.RecipientEmail,
		Status:           string(tx.Status),
		AmountFiat:       tx.AmountFiat.String(),
		AmountSettlement: tx.AmountSettlement.String(),
		TxHash:           tx.TxHash,
		ErrorMessage:     tx.ErrorMessage,
		Timestamp:        time.Now().UTC(),
	}

	go w.deliver(payload)
}

func (w *Webhook) deliver(payload event) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("failed to encode webhook payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed",
			zap.String("transaction_id", payload.TransactionID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook endpoint rejected event",
			zap.String("transaction_id", payload.TransactionID),
			zap.Int("status", resp.StatusCode))
	}
}
