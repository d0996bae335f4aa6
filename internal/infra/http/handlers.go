package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/money"
	"payment-settlement/internal/infra/logging"
	"payment-settlement/internal/infra/metrics"
	"payment-settlement/internal/usecase"
)

const maxWebhookBody = 1 << 20

// Settlement is the slice of the coordinator the API exposes.
type Settlement interface {
	CreateCharge(ctx context.Context, req usecase.ChargeRequest) (*usecase.ChargeResult, error)
	CheckoutInvoice(ctx context.Context, paymentID, idempotencyKey string) (*usecase.ChargeResult, error)
	HandleCallback(ctx context.Context, cb usecase.CheckoutCallback) (*model.Payment, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, error)
	RecordOfflinePayment(ctx context.Context, paymentID, reference string) (*model.Payment, error)
	Subscribe(ctx context.Context, userID, batchID, sportID, idempotencyKey string) (*model.CheckoutInfo, error)
	GenerateInvoices(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error)
}

type PaymentQueries interface {
	GetByID(ctx context.Context, paymentID string) (*model.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Payment, error)
	List(ctx context.Context, f model.PaymentFilter) ([]*model.Payment, error)
	Stats(ctx context.Context, f model.PaymentFilter) (*model.PaymentStats, error)
}

type SubscriptionQueries interface {
	RefreshStatus(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Subscription, error)
}

type Handler struct {
	settlement Settlement
	payments   PaymentQueries
	subs       SubscriptionQueries
	log        *zerolog.Logger
}

func NewHandler(settlement Settlement, payments PaymentQueries, subs SubscriptionQueries, logger *zerolog.Logger) *Handler {
	return &Handler{settlement: settlement, payments: payments, subs: subs, log: logger}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, logging.With(r.Context(), h.log), err)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "is not valid JSON: "+err.Error())
	}
	return nil
}

// paymentResponse renders amounts both in paise and as rupee strings.
type paymentResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	EnrollmentID    string     `json:"enrollment_id"`
	Amount          int64      `json:"amount"`
	AmountDisplay   string     `json:"amount_display"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	Method          string     `json:"method"`
	OrderID         *string    `json:"order_id,omitempty"`
	TransactionID   *string    `json:"transaction_id,omitempty"`
	ReceiptNumber   string     `json:"receipt_number"`
	PaymentPeriod   string     `json:"payment_period,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	PaymentDate     *time.Time `json:"payment_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Refunded        bool       `json:"refunded"`
	RefundAmount    *int64     `json:"refund_amount,omitempty"`
	RefundReason    *string    `json:"refund_reason,omitempty"`
	RefundDate      *time.Time `json:"refund_date,omitempty"`
	RefundGatewayID *string    `json:"refund_gateway_id,omitempty"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		UserID:          p.UserID,
		EnrollmentID:    p.EnrollmentID,
		Amount:          p.Amount,
		AmountDisplay:   money.FromMinorUnits(p.Amount),
		Currency:        p.Currency,
		Status:          string(p.Status),
		Method:          p.Method,
		OrderID:         p.OrderID,
		TransactionID:   p.TransactionID,
		ReceiptNumber:   p.ReceiptNumber,
		PaymentPeriod:   p.PaymentPeriod,
		FailureReason:   p.FailureReason,
		PaymentDate:     p.PaymentDate,
		CreatedAt:       p.CreatedAt,
		Refunded:        p.Refunded,
		RefundAmount:    p.RefundAmount,
		RefundReason:    p.RefundReason,
		RefundDate:      p.RefundDate,
		RefundGatewayID: p.RefundGatewayID,
	}
}

func toPaymentList(ps []*model.Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPaymentResponse(p))
	}
	return out
}

type createOrderRequest struct {
	UserID       string `json:"user_id"`
	EnrollmentID string `json:"enrollment_id"`
	// Amount is in rupees, e.g. "500" or "499.50".
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := money.ToMinorUnits(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := logging.WithUserID(r.Context(), req.UserID)
	res, err := h.settlement.CreateCharge(ctx, usecase.ChargeRequest{
		UserID:         req.UserID,
		EnrollmentID:   req.EnrollmentID,
		Amount:         amount,
		Currency:       req.Currency,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleCheckoutInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	res, err := h.settlement.CheckoutInvoice(ctx, id, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb usecase.CheckoutCallback
	if err := decode(r, &cb); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := logging.WithOrderID(r.Context(), cb.OrderID)
	p, err := h.settlement.HandleCallback(ctx, cb)
	switch {
	case err == nil:
		metrics.IncNotification("callback", "ok")
		writeJSON(w, http.StatusOK, toPaymentResponse(p))
	case p != nil:
		// Signature mismatch: the payment is reported with its recorded state.
		metrics.IncNotification("callback", "bad_signature")
		writeJSON(w, statusFor(err), struct {
			Error   string          `json:"error"`
			Payment paymentResponse `json:"payment"`
		}{err.Error(), toPaymentResponse(p)})
	default:
		metrics.IncNotification("callback", "error")
		h.fail(w, r.WithContext(ctx), err)
	}
}

// notificationResult labels a rejected callback or webhook for the notifications metric.
func notificationResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrSignatureMismatch):
		return "bad_signature"
	case statusFor(err) == http.StatusBadRequest:
		return "invalid"
	default:
		return "error"
	}
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.fail(w, r, domain.NewValidationError("body", "could not be read"))
		return
	}
	if err := h.settlement.HandleWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature")); err != nil {
		metrics.IncNotification("webhook", notificationResult(err))
		h.fail(w, r, err)
		return
	}
	metrics.IncNotification("webhook", "ok")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := money.ToMinorUnits(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	p, err := h.settlement.Refund(ctx, id, amount, req.Reason)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type offlineRequest struct {
	Reference string `json:"reference"`
}

func (h *Handler) handleOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	p, err := h.settlement.RecordOfflinePayment(ctx, id, req.Reference)
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type bulkInvoiceRequest struct {
	EnrollmentID string   `json:"enrollment_id"`
	Amount       string   `json:"amount"`
	UserIDs      []string `json:"user_ids"`
	Period       string   `json:"period"`
}

type bulkInvoiceItem struct {
	UserID    string `json:"user_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleBulkInvoices(w http.ResponseWriter, r *http.Request) {
	var req bulkInvoiceRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := money.ToMinorUnits(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	results, err := h.settlement.GenerateInvoices(r.Context(), req.EnrollmentID, amount, req.UserIDs, req.Period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]bulkInvoiceItem, 0, len(results))
	created := 0
	for _, res := range results {
		item := bulkInvoiceItem{UserID: res.UserID, PaymentID: res.PaymentID}
		if res.Err != nil {
			item.Error = res.Err.Error()
		} else {
			created++
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, struct {
		Created int               `json:"created"`
		Failed  int               `json:"failed"`
		Results []bulkInvoiceItem `json:"results"`
	}{created, len(items) - created, items})
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ps, err := h.payments.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(ps))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.payments.Stats(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	byStatus := make(map[string]int, len(st.CountByStatus))
	for k, v := range st.CountByStatus {
		byStatus[string(k)] = v
	}
	writeJSON(w, http.StatusOK, struct {
		TotalRevenue    int64            `json:"total_revenue"`
		RefundedTotal   int64            `json:"refunded_total"`
		NetRevenue      int64            `json:"net_revenue"`
		CountByStatus   map[string]int   `json:"count_by_status"`
		RevenueByMethod map[string]int64 `json:"revenue_by_method"`
		RevenueBySport  map[string]int64 `json:"revenue_by_sport"`
		RevenueByBatch  map[string]int64 `json:"revenue_by_batch"`
	}{st.TotalRevenue, st.RefundedTotal, st.NetRevenue(), byStatus, st.RevenueByMethod, st.RevenueBySport, st.RevenueByBatch})
}

func (h *Handler) handleUserPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.payments.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentList(ps))
}

type subscribeRequest struct {
	UserID  string `json:"user_id"`
	BatchID string `json:"batch_id"`
	SportID string `json:"sport_id"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := logging.WithUserID(r.Context(), req.UserID)
	info, err := h.settlement.Subscribe(ctx, req.UserID, req.BatchID, req.SportID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type subscriptionResponse struct {
	ID                     string    `json:"id"`
	UserID                 string    `json:"user_id"`
	BatchID                string    `json:"batch_id"`
	SportID                string    `json:"sport_id"`
	RazorpaySubscriptionID string    `json:"razorpay_subscription_id"`
	Status                 string    `json:"status"`
	PlanID                 string    `json:"plan_id"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	StartDate              time.Time `json:"start_date"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func toSubscriptionResponse(s *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                     s.ID,
		UserID:                 s.UserID,
		BatchID:                s.BatchID,
		SportID:                s.SportID,
		RazorpaySubscriptionID: s.RazorpaySubscriptionID,
		Status:                 s.Status,
		PlanID:                 s.PlanID,
		Amount:                 s.Amount,
		Currency:               s.Currency,
		StartDate:              s.StartDate,
		UpdatedAt:              s.UpdatedAt,
	}
}

func (h *Handler) handleRefreshSubscription(w http.ResponseWriter, r *http.Request) {
	s, err := h.subs.RefreshStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(s))
}

func (h *Handler) handleUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, toSubscriptionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// parseFilter reads the list/stats query parameters. Dates accept RFC3339 or YYYY-MM-DD;
// a bare "to" date covers the whole day.
func parseFilter(r *http.Request) (model.PaymentFilter, error) {
	q := r.URL.Query()
	f := model.PaymentFilter{
		Status:       model.PaymentStatus(q.Get("status")),
		UserID:       q.Get("user_id"),
		EnrollmentID: q.Get("enrollment_id"),
		BatchID:      q.Get("batch_id"),
		SportID:      q.Get("sport_id"),
		Method:       q.Get("method"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, domain.NewValidationError("status", "is not a payment status")
	}
	var err error
	if f.From, err = parseDate(q.Get("from"), false); err != nil {
		return f, domain.NewValidationError("from", "is not a date")
	}
	if f.To, err = parseDate(q.Get("to"), true); err != nil {
		return f, domain.NewValidationError("to", "is not a date")
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, domain.NewValidationError(name, "must be a non-negative integer")
			}
			*dst = n
		}
	}
	return f, nil
}

func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
