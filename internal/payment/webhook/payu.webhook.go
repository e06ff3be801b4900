package webhook

import (
	"context"
	"io"
	"net/http"

	"payu-gateway/internal/logger"
	"payu-gateway/internal/payment"
	"payu-gateway/internal/signature"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// CallbackProcessor verifies and applies a notification body. paymentID is
// uuid.Nil when the notification arrived on the shared endpoint.
type CallbackProcessor interface {
	HandleCallback(ctx context.Context, paymentID uuid.UUID, body []byte, signatureHeader string) payment.CallbackResult
}

type Handler struct {
	Processor CallbackProcessor
}

func NewWebhookHandler(processor CallbackProcessor) *Handler {
	return &Handler{Processor: processor}
}

// PaymentWebhookHandler receives PayU notifications on POST /webhook/payu and
// POST /webhook/payu/{id}, the notify url each order is created with.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	log := logger.FromCtx(r.Context())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	paymentID := uuid.Nil
	if raw, ok := mux.Vars(r)["id"]; ok {
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			log.Warn("PayU callback for malformed payment id", zap.String("payment_id", raw))
			http.Error(w, "UNKNOWN PAYMENT", http.StatusNotFound)
			return
		}
		paymentID = id
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("Failed to read PayU callback body", zap.Error(err))
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	header := r.Header.Get(signature.HeaderName)
	if header == "" {
		header = r.Header.Get(signature.AltHeaderName)
	}

	res := h.Processor.HandleCallback(r.Context(), paymentID, body, header)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(res.StatusCode)
	_, _ = io.WriteString(w, res.Message)
}
