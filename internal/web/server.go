// Package web exposes the payment API over HTTP with JSON bodies.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"github.com/vadiminshakov/remit/internal/services/payment"
	"github.com/vadiminshakov/remit/internal/services/rates"
	"go.uber.org/zap"
)

type paymentService interface {
	SendPayment(ctx context.Context, input payment.SendPaymentInput) payment.PaymentResult
	GetHistory(ctx context.Context, accountID uuid.UUID, page, pageSize int) (payment.History, error)
	GetTransactionByID(ctx context.Context, txID, requesterID uuid.UUID) (*domain.PaymentTransaction, error)
	PreviewConversion(ctx context.Context, amountFiat decimal.Decimal) (rates.Quote, error)
}

type rateReader interface {
	RateWithMeta(ctx context.Context) rates.RateMeta
}

// Server serves the payment HTTP API.
type Server struct {
	addr     string
	payments paymentService
	rates    rateReader
	logger   *zap.Logger
}

// NewServer creates the API server.
func NewServer(addr string, payments paymentService, rateEngine rateReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, payments: payments, rates: rateEngine, logger: logger}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments", s.handleSend)
	mux.HandleFunc("POST /payments/preview", s.handlePreview)
	mux.HandleFunc("GET /payments", s.handleHistory)
	mux.HandleFunc("GET /payments/{id}", s.handleTransaction)
	mux.HandleFunc("GET /rates", s.handleRate)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type sendRequest struct {
	SenderID       string `json:"sender_id"`
	SenderEmail    string `json:"sender_email"`
	RecipientEmail string `json:"recipient_email"`
	AmountFiat     string `json:"amount_fiat"`
}

type transactionResponse struct {
	ID               string `json:"id"`
	SenderID         string `json:"sender_id"`
	RecipientEmail   string `json:"recipient_email"`
	Status           string `json:"status"`
	AmountFiat       string `json:"amount_fiat"`
	AmountSettlement string `json:"amount_settlement"`
	ExchangeRate     string `json:"exchange_rate"`
	Fee              string `json:"fee"`
	TxHash           string `json:"tx_hash,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid request body")
		return
	}

	senderID, err := uuid.Parse(req.SenderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid sender_id")
		return
	}
	amount, err := decimal.NewFromString(req.AmountFiat)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid amount_fiat")
		return
	}

	result := s.payments.SendPayment(r.Context(), payment.SendPaymentInput{
		SenderID:       senderID,
		SenderEmail:    req.SenderEmail,
		RecipientEmail: req.RecipientEmail,
		AmountFiat:     amount,
	})

	if !result.Success {
		body := struct {
			errorResponse
			Transaction *transactionResponse `json:"transaction,omitempty"`
		}{
			errorResponse: errorResponse{Code: string(result.ErrorCode), Message: result.Error},
		}
		if result.Transaction != nil {
			tr := toTransactionResponse(result.Transaction)
			body.Transaction = &tr
		}
		writeJSON(w, statusForCode(result.ErrorCode), body)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(result.Transaction))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountFiat string `json:"amount_fiat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.AmountFiat)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid amount_fiat")
		return
	}

	quote, err := s.payments.PreviewConversion(r.Context(), amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		AmountFiat       string `json:"amount_fiat"`
		AmountSettlement string `json:"amount_settlement"`
		ExchangeRate     string `json:"exchange_rate"`
		Fee              string `json:"fee"`
		RateSource       string `json:"rate_source"`
	}{
		AmountFiat:       amount.String(),
		AmountSettlement: quote.AmountSettlement.String(),
		ExchangeRate:     quote.Rate.String(),
		Fee:              quote.Fee.String(),
		RateSource:       quote.Source,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid account_id")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	history, err := s.payments.GetHistory(r.Context(), accountID, page, pageSize)
	if err != nil {
		s.logger.Error("history lookup failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	items := make([]transactionResponse, 0, len(history.Items))
	for _, tx := range history.Items {
		items = append(items, toTransactionResponse(tx))
	}

	writeJSON(w, http.StatusOK, struct {
		Items      []transactionResponse `json:"items"`
		Total      int                   `json:"total"`
		TotalPages int                   `json:"total_pages"`
		Page       int                   `json:"page"`
	}{Items: items, Total: history.Total, TotalPages: history.TotalPages, Page: history.Page})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid transaction id")
		return
	}
	requesterID, err := uuid.Parse(r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid account_id")
		return
	}

	tx, err := s.payments.GetTransactionByID(r.Context(), txID, requesterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	meta := s.rates.RateWithMeta(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Rate      string    `json:"rate"`
		Source    string    `json:"source"`
		Timestamp time.Time `json:"timestamp"`
	}{Rate: meta.Rate.String(), Source: meta.Source, Timestamp: meta.Timestamp})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

func toTransactionResponse(tx *domain.PaymentTransaction) transactionResponse {
	return transactionResponse{
		ID:               tx.ID.String(),
		SenderID:         tx.SenderID.String(),
		RecipientEmail:   tx.RecipientEmail,
		Status:           string(tx.Status),
		AmountFiat:       tx.AmountFiat.String(),
		AmountSettlement: tx.AmountSettlement.String(),
		ExchangeRate:     tx.ExchangeRate.String(),
		Fee:              tx.Fee.String(),
		TxHash:           tx.TxHash,
		ErrorMessage:     tx.ErrorMessage,
		CreatedAt:        tx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func statusForCode(code domain.Code) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.CodeSettlementFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	writeError(w, statusForCode(code), code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code domain.Code, message string) {
	writeJSON(w, status, errorResponse{Code: string(code), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
