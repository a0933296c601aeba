package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/remit/internal/domain"
	"github.com/vadiminshakov/remit/internal/services/payment"
	"github.com/vadiminshakov/remit/internal/services/rates"
	"github.com/vadiminshakov/remit/internal/services/settlement"
	"github.com/vadiminshakov/remit/internal/storage/ledger"
)

func newTestServer(t *testing.T) (*httptest.Server, *domain.Account, *domain.Account) {
	t.Helper()

	store := ledger.NewMemory()
	sim := settlement.NewSimulateSettler(decimal.NewFromInt(100000), nil)
	engine := rates.NewEngine(
		decimal.NewFromFloat(0.005),
		decimal.NewFromFloat(0.01),
		domain.Pair{Base: "GBP", Quote: "USDC"},
		map[string]decimal.Decimal{"GBP_USDC": decimal.NewFromFloat(1.27)},
		time.Minute,
		nil,
		nil,
	)

	sender := domain.NewAccount("alice@example.com", "0x52908400098527886E0F7030069857D2E4169EE7", "enc")
	sender.FiatBalance = decimal.NewFromInt(500)
	require.NoError(t, store.CreateAccount(t.Context(), sender))

	recipient := domain.NewAccount("bob@example.com", "0x8617E340B3D01FA5F11F306F4090FD50E238070D", "enc")
	require.NoError(t, store.CreateAccount(t.Context(), recipient))

	service := payment.NewService(store, engine, sim, nil, nil, nil)
	srv := httptest.NewServer(NewServer("", service, engine, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, sender, recipient
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSendPaymentEndpoint(t *testing.T) {
	srv, sender, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/payments", sendRequest{
		SenderID:       sender.ID.String(),
		SenderEmail:    sender.Email,
		RecipientEmail: "bob@example.com",
		AmountFiat:     "100",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tx transactionResponse
	decodeBody(t, resp, &tx)
	require.Equal(t, "completed", tx.Status)
	require.Equal(t, "126.365", tx.AmountSettlement)
	require.Equal(t, "0.5", tx.Fee)
	require.NotEmpty(t, tx.TxHash)

	// the record is retrievable by its sender
	resp, err := http.Get(fmt.Sprintf("%s/payments/%s?account_id=%s", srv.URL, tx.ID, sender.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched transactionResponse
	decodeBody(t, resp, &fetched)
	require.Equal(t, tx.ID, fetched.ID)
}

func TestSendPaymentEndpointErrors(t *testing.T) {
	srv, sender, _ := newTestServer(t)

	tests := []struct {
		name       string
		req        sendRequest
		wantStatus int
		wantCode   string
	}{
		{
			name: "insufficient balance",
			req: sendRequest{
				SenderID: sender.ID.String(), SenderEmail: sender.Email,
				RecipientEmail: "bob@example.com", AmountFiat: "600",
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "INSUFFICIENT_BALANCE",
		},
		{
			name: "self transfer",
			req: sendRequest{
				SenderID: sender.ID.String(), SenderEmail: sender.Email,
				RecipientEmail: "ALICE@example.com", AmountFiat: "10",
			},
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name: "unknown recipient",
			req: sendRequest{
				SenderID: sender.ID.String(), SenderEmail: sender.Email,
				RecipientEmail: "ghost@example.com", AmountFiat: "10",
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name: "bad amount",
			req: sendRequest{
				SenderID: sender.ID.String(), SenderEmail: sender.Email,
				RecipientEmail: "bob@example.com", AmountFiat: "not-a-number",
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/payments", tt.req)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var body errorResponse
			decodeBody(t, resp, &body)
			require.Equal(t, tt.wantCode, body.Code)
			require.NotEmpty(t, body.Message)
		})
	}
}

func TestPreviewEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/payments/preview", map[string]string{"amount_fiat": "100"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AmountSettlement string `json:"amount_settlement"`
		ExchangeRate     string `json:"exchange_rate"`
		Fee              string `json:"fee"`
		RateSource       string `json:"rate_source"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "126.365", body.AmountSettlement)
	require.Equal(t, "1.27", body.ExchangeRate)
	require.Equal(t, "0.5", body.Fee)
	require.Equal(t, "fallback", body.RateSource)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, sender, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/payments", sendRequest{
			SenderID: sender.ID.String(), SenderEmail: sender.Email,
			RecipientEmail: "bob@example.com", AmountFiat: "10",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(fmt.Sprintf("%s/payments?account_id=%s&page=1&page_size=2", srv.URL, sender.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Items      []transactionResponse `json:"items"`
		Total      int                   `json:"total"`
		TotalPages int                   `json:"total_pages"`
		Page       int                   `json:"page"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 3, body.Total)
	require.Equal(t, 2, body.TotalPages)
	require.Len(t, body.Items, 2)
}

func TestRateEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/rates")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Rate   string `json:"rate"`
		Source string `json:"source"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "1.27", body.Rate)
	require.Equal(t, "fallback", body.Source)
}
