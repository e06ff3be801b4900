package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"payu-gateway/internal/logger"
	"payu-gateway/internal/payment"
	"payu-gateway/internal/payu"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// PaymentService is the part of payment.Processor the operator API drives.
type PaymentService interface {
	CreatePayment(ctx context.Context, p *payment.Payment) error
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error)
	PrepareTransaction(ctx context.Context, paymentID uuid.UUID, info payment.RequestInfo) (*payment.Prepared, error)
	FetchPaymentStatus(ctx context.Context, paymentID uuid.UUID) (*payment.StatusResult, error)
	Charge(ctx context.Context, paymentID uuid.UUID) (*payment.ChargeResult, error)
	ReleaseLock(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error)
	StartRefund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, description string) (*payu.RefundResponse, error)
	ShopInfo(ctx context.Context, shopID string) (*payu.ShopInfo, error)
}

type Handler struct {
	service PaymentService
}

func NewHandler(service PaymentService) *Handler {
	return &Handler{service: service}
}

// Register mounts the operator routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/payments", h.CreatePayment).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}", h.GetPayment).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/prepare", h.Prepare).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/payments/{id}/charge", h.Charge).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}/release", h.Release).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}/refund", h.Refund).Methods(http.MethodPost)
	r.HandleFunc("/shops/{id}", h.Shop).Methods(http.MethodGet)
}

// ----------------- Payloads -----------------

type createPaymentRequest struct {
	OrderID     string          `json:"order_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Items       []payment.Item  `json:"items"`
	Buyer       *payment.Buyer  `json:"buyer"`
}

type refundRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description"`
}

type paymentView struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	ExternalID     string          `json:"external_id,omitempty"`
	Status         payment.Status  `json:"status"`
	Currency       string          `json:"currency"`
	AmountRequired decimal.Decimal `json:"amount_required"`
	AmountLocked   decimal.Decimal `json:"amount_locked"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	AmountRefunded decimal.Decimal `json:"amount_refunded"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toView(p *payment.Payment) paymentView {
	return paymentView{
		ID:             p.ID.String(),
		OrderID:        p.OrderID,
		ExternalID:     p.ExternalID,
		Status:         p.Status,
		Currency:       p.Currency,
		AmountRequired: p.AmountRequired,
		AmountLocked:   p.AmountLocked,
		AmountPaid:     p.AmountPaid,
		AmountRefunded: p.AmountRefunded,
		UpdatedAt:      p.UpdatedAt,
	}
}

type prepareResponse struct {
	RedirectURL string              `json:"redirect_url,omitempty"`
	FormAction  string              `json:"form_action,omitempty"`
	FormFields  map[string][]string `json:"form_fields,omitempty"`
	Failed      bool                `json:"failed"`
}

type statusResponse struct {
	Payment       paymentView      `json:"payment"`
	GatewayStatus payu.OrderStatus `json:"gateway_status"`
	Changed       bool             `json:"changed"`
	Applied       []payment.Event  `json:"applied"`
	Skipped       []payment.Event  `json:"skipped"`
}

type chargeResponse struct {
	Success    bool   `json:"success"`
	StatusDesc string `json:"status_desc,omitempty"`
}

type releaseResponse struct {
	Released decimal.Decimal `json:"released"`
}

type refundResponse struct {
	RefundID string            `json:"refund_id"`
	Amount   decimal.Decimal   `json:"amount"`
	Status   payu.RefundStatus `json:"status"`
}

type shopResponse struct {
	ShopID    string          `json:"shop_id"`
	Name      string          `json:"name"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// ----------------- Handlers -----------------

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !decode(w, r, &req) {
		return
	}

	p := payment.NewPayment(req.OrderID, req.Currency, req.Amount)
	p.Description = req.Description
	p.Items = req.Items
	p.Buyer = req.Buyer

	if err := h.service.CreatePayment(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toView(p))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(p))
}

func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}

	prepared, err := h.service.PrepareTransaction(r.Context(), id, payment.RequestInfo{CustomerIP: clientIP(r)})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := prepareResponse{RedirectURL: prepared.RedirectURL, Failed: prepared.Failed}
	if prepared.Form != nil {
		resp.FormAction = prepared.Form.Action
		resp.FormFields = prepared.Form.Fields
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	res, err := h.service.FetchPaymentStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Payment:       toView(res.Payment),
		GatewayStatus: res.GatewayStatus,
		Changed:       res.Result.Changed(),
		Applied:       res.Result.Applied,
		Skipped:       res.Result.Skipped,
	})
}

func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	res, err := h.service.Charge(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chargeResponse{Success: res.Success, StatusDesc: res.StatusDesc})
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	released, err := h.service.ReleaseLock(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	res, err := h.service.StartRefund(r.Context(), id, req.Amount, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, refundResponse{
		RefundID: res.Refund.RefundID,
		Amount:   res.Refund.Amount,
		Status:   res.Refund.Status,
	})
}

func (h *Handler) Shop(w http.ResponseWriter, r *http.Request) {
	shop, err := h.service.ShopInfo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	currency := shop.Balance.CurrencyCode
	if currency == "" {
		currency = shop.CurrencyCode
	}
	writeJSON(w, http.StatusOK, shopResponse{
		ShopID:    shop.ShopID,
		Name:      shop.Name,
		Currency:  currency,
		Total:     shop.Balance.Total,
		Available: shop.Balance.Available,
	})
}

// ----------------- Helpers -----------------

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, "invalid payment id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// clientIP prefers the first X-Forwarded-For hop set by the proxy in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func statusFor(err error) int {
	var respErr *payu.ResponseError
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrInvalidTransition), errors.Is(err, payment.ErrNoExternalID):
		return http.StatusConflict
	case errors.Is(err, payment.ErrInvalidAmount), errors.Is(err, payment.ErrInvalidPayment):
		return http.StatusUnprocessableEntity
	case errors.As(err, &respErr), errors.Is(err, payment.ErrOrderMissing):
		return http.StatusBadGateway
	case errors.Is(err, payu.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logger.FromCtx(r.Context())
	if raw, ok := payu.RawFrom(err); ok {
		log = log.With(zap.Int("gateway_status", raw.StatusCode), zap.ByteString("gateway_body", raw.Body))
	}
	if code >= http.StatusInternalServerError {
		log.Error("Operator request failed", zap.Error(err), zap.Int("status", code))
	} else {
		log.Warn("Operator request rejected", zap.Error(err), zap.Int("status", code))
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = http.StatusText(code)
	}
	writeJSONError(w, msg, code)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
