// File: internal/infra/adapters/payment/razorpay_gateway.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"payment-settlement/internal/config"
	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/ports/adapter"
	"payment-settlement/internal/infra/metrics"
)

var _ adapter.PaymentGateway = (*RazorpayGateway)(nil)

// RazorpayGateway implements adapter.PaymentGateway over the Razorpay REST v1 API.
// Requests are never retried here.
type RazorpayGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	logger    *zerolog.Logger
}

func NewRazorpayGateway(cfg config.GatewayConfig, logger *zerolog.Logger) (*RazorpayGateway, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	l := logger.With().Str("component", "razorpay").Logger()
	return &RazorpayGateway{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		client:    &http.Client{Timeout: timeout},
		logger:    &l,
	}, nil
}

func (g *RazorpayGateway) Name() string  { return "razorpay" }
func (g *RazorpayGateway) KeyID() string { return g.keyID }

type orderResp struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// CreateOrder opens a one-shot order. amount is in the smallest currency unit.
func (g *RazorpayGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*adapter.OrderRef, error) {
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be a positive integer in the smallest currency unit")
	}
	if len(receipt) > adapter.MaxReceiptLength {
		receipt = receipt[:adapter.MaxReceiptLength]
	}
	body := map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var out orderResp
	if err := g.do(ctx, "create_order", http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	return &adapter.OrderRef{ID: out.ID, Amount: out.Amount, Currency: out.Currency, Receipt: out.Receipt, Status: out.Status}, nil
}

// CreatePlan registers a monthly plan.
func (g *RazorpayGateway) CreatePlan(ctx context.Context, name string, amount int64, currency, description string) (*adapter.PlanRef, error) {
	body := map[string]any{
		"period":   "monthly",
		"interval": 1,
		"item": map[string]any{
			"name":        name,
			"amount":      amount,
			"currency":    currency,
			"description": description,
		},
	}
	var out struct {
		ID       string `json:"id"`
		Period   string `json:"period"`
		Interval int    `json:"interval"`
		Item     struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
		} `json:"item"`
	}
	if err := g.do(ctx, "create_plan", http.MethodPost, "/plans", body, &out); err != nil {
		return nil, err
	}
	return &adapter.PlanRef{ID: out.ID, Period: out.Period, Interval: out.Interval, Amount: out.Item.Amount, Currency: out.Item.Currency}, nil
}

type subscriptionResp struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	TotalCount int    `json:"total_count"`
	PaidCount  int    `json:"paid_count"`
	ShortURL   string `json:"short_url"`
	StartAt    *int64 `json:"start_at"`
}

func (r subscriptionResp) ref() *adapter.SubscriptionRef {
	ref := &adapter.SubscriptionRef{
		ID:         r.ID,
		PlanID:     r.PlanID,
		Status:     r.Status,
		TotalCount: r.TotalCount,
		PaidCount:  r.PaidCount,
		ShortURL:   r.ShortURL,
	}
	if r.StartAt != nil && *r.StartAt > 0 {
		t := time.Unix(*r.StartAt, 0).UTC()
		ref.StartAt = &t
	}
	return ref
}

func (g *RazorpayGateway) CreateSubscription(ctx context.Context, planID string, totalCount int, notes map[string]string) (*adapter.SubscriptionRef, error) {
	body := map[string]any{
		"plan_id":         planID,
		"total_count":     totalCount,
		"customer_notify": 1,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var out subscriptionResp
	if err := g.do(ctx, "create_subscription", http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, err
	}
	return out.ref(), nil
}

func (g *RazorpayGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*adapter.SubscriptionRef, error) {
	var out subscriptionResp
	if err := g.do(ctx, "fetch_subscription", http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &out); err != nil {
		return nil, err
	}
	return out.ref(), nil
}

func (g *RazorpayGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount int64, idempotencyKey string, notes map[string]string) (*adapter.RefundRef, error) {
	body := map[string]any{"amount": amount}
	var hdr http.Header
	if idempotencyKey != "" {
		body["receipt"] = idempotencyKey
		hdr = http.Header{"X-Refund-Idempotency": []string{idempotencyKey}}
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var out struct {
		ID        string `json:"id"`
		PaymentID string `json:"payment_id"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
	}
	path := "/payments/" + url.PathEscape(gatewayPaymentID) + "/refund"
	if err := g.send(ctx, "refund_payment", http.MethodPost, path, hdr, body, &out); err != nil {
		return nil, err
	}
	return &adapter.RefundRef{ID: out.ID, PaymentID: out.PaymentID, Amount: out.Amount, Status: out.Status}, nil
}

func (g *RazorpayGateway) do(ctx context.Context, op, method, path string, in, out any) error {
	return g.send(ctx, op, method, path, nil, in, out)
}

// send issues one authenticated request and decodes a 2xx body into out. Every failure
// comes back as *domain.GatewayError, except missing credentials.
func (g *RazorpayGateway) send(ctx context.Context, op, method, path string, hdr http.Header, in, out any) error {
	if g.keyID == "" {
		return &domain.ConfigurationError{Key: "GATEWAY_KEY_ID"}
	}
	if g.keySecret == "" {
		return &domain.ConfigurationError{Key: "GATEWAY_KEY_SECRET"}
	}

	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &domain.GatewayError{Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return &domain.GatewayError{Op: op, Message: "build request", Err: err}
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		metrics.ObserveGatewayCall(op, "transport_error", time.Since(start))
		g.logger.Error().Err(err).Str("op", op).Msg("gateway request failed")
		return &domain.GatewayError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ObserveGatewayCall(op, "transport_error", time.Since(start))
		return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result := "client_error"
		if resp.StatusCode >= 500 {
			result = "server_error"
		}
		metrics.ObserveGatewayCall(op, result, time.Since(start))
		gerr := decodeGatewayError(op, resp.StatusCode, raw)
		g.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("code", gerr.Code).Str("description", gerr.Message).Msg("gateway rejected request")
		return gerr
	}
	metrics.ObserveGatewayCall(op, "ok", time.Since(start))

	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Raw: string(raw), Err: err}
	}
	return nil
}

// decodeGatewayError reads Razorpay's {"error":{"code","description"}} envelope. Bodies of any
// other shape keep the HTTP status text as the message and the body in Raw.
func decodeGatewayError(op string, status int, raw []byte) *domain.GatewayError {
	gerr := &domain.GatewayError{Op: op, StatusCode: status, Raw: string(raw)}
	var env struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Description != "" {
		gerr.Code = env.Error.Code
		gerr.Message = env.Error.Description
		return gerr
	}
	gerr.Code = "UNKNOWN"
	gerr.Message = http.StatusText(status)
	return gerr
}

