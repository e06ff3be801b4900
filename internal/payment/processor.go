package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"payu-gateway/internal/config"
	"payu-gateway/internal/logger"
	"payu-gateway/internal/metrics"
	"payu-gateway/internal/money"
	"payu-gateway/internal/payu"
	"payu-gateway/internal/signature"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	webhookProvider = "PAYU"
	webhookPath     = "/webhook/payu"
	ordersPath      = "/api/v2_1/orders"
)

var (
	ErrNoExternalID   = errors.New("payment has no gateway order yet")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrOrderMissing   = errors.New("gateway returned no order")
	ErrInvalidPayment = errors.New("invalid payment")
)

// Gateway is the subset of the PayU client the processor drives.
type Gateway interface {
	CreateOrder(ctx context.Context, req payu.OrderRequest, opts ...payu.RequestOption) (*payu.OrderResponse, error)
	Refund(ctx context.Context, orderID string, amount *decimal.Decimal, description string, opts ...payu.RequestOption) (*payu.RefundResponse, error)
	CancelOrder(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.StatusResponse, error)
	Capture(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.StatusResponse, error)
	OrderInfo(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.OrderInfoResponse, error)
	ShopInfo(ctx context.Context, shopID string, opts ...payu.RequestOption) (*payu.ShopInfo, error)
}

type Processor struct {
	repo    Repository
	gateway Gateway
	cfg     *config.Config
}

func NewProcessor(repo Repository, gateway Gateway, cfg *config.Config) *Processor {
	return &Processor{repo: repo, gateway: gateway, cfg: cfg}
}

// RequestInfo is what the processor needs to know about the payer's request.
type RequestInfo struct {
	CustomerIP string
}

// PostForm is a self-submitting form for the POST paywall flow.
type PostForm struct {
	Action string
	Fields url.Values
}

// Prepared tells the caller where to send the payer next. Exactly one of
// RedirectURL and Form is set.
type Prepared struct {
	RedirectURL string
	Form        *PostForm
	Failed      bool
}

type CallbackResult struct {
	StatusCode int
	Message    string
}

type StatusResult struct {
	Payment       *Payment
	GatewayStatus payu.OrderStatus
	Result        Result
}

type ChargeResult struct {
	Success    bool
	StatusDesc string
}

// ----------------- CreatePayment -----------------

// CreatePayment stores a new payment after checking that its amounts can be
// sent to the gateway without rounding.
func (s *Processor) CreatePayment(ctx context.Context, p *Payment) error {
	log := logger.FromCtx(ctx)

	if strings.TrimSpace(p.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidPayment)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidPayment, p.Currency)
	}
	if !p.AmountRequired.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if _, err := money.Centify(p.AmountRequired); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	for _, it := range p.Items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %q", ErrInvalidPayment, it.Name)
		}
		if _, err := money.Centify(it.UnitPrice); err != nil {
			return fmt.Errorf("%w: item %q: %v", ErrInvalidAmount, it.Name, err)
		}
	}

	p.Currency = strings.ToUpper(p.Currency)
	if err := s.repo.Create(ctx, p); err != nil {
		log.Error("Failed to store payment", zap.Error(err))
		return err
	}

	log.Info("Payment created", zap.String("payment_id", p.ID.String()), zap.String("order_id", p.OrderID))
	return nil
}

func (s *Processor) GetPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return s.repo.Get(ctx, paymentID)
}

// ----------------- PrepareTransaction -----------------

// PrepareTransaction starts the payment at the gateway. In REST mode the
// order is registered right away; a rejected order fails the payment and
// sends the payer to the failure page instead of returning an error.
func (s *Processor) PrepareTransaction(ctx context.Context, paymentID uuid.UUID, info RequestInfo) (*Prepared, error) {
	ctx = logger.With(ctx, zap.String("payment_id", paymentID.String()))
	log := logger.FromCtx(ctx)

	if s.cfg.PayU.PaywallMethod == config.MethodPOST {
		p, err := s.repo.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		form, err := s.postForm(p, info)
		if err != nil {
			log.Error("Failed to build paywall form", zap.Error(err))
			return nil, err
		}
		return &Prepared{Form: form}, nil
	}

	var out Prepared
	_, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
		if p.Status != StatusNew {
			return fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
		}

		req, err := s.orderRequest(p, info)
		if err != nil {
			return err
		}
		resp, err := s.gateway.CreateOrder(ctx, req)
		if errors.Is(err, payu.ErrLockFailure) {
			log.Error("PayU refused the order, failing payment", zap.Error(err))
			if err := p.Fail(); err != nil {
				return err
			}
			out = Prepared{RedirectURL: s.cfg.FailureURL, Failed: true}
			return nil
		}
		if err != nil {
			return err
		}

		if err := p.ConfirmPrepared(); err != nil {
			return err
		}
		p.ExternalID = resp.OrderID
		out = Prepared{RedirectURL: resp.RedirectURI}

		log.Info("PayU order created", zap.String("external_id", p.ExternalID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// notifyURL is the per-payment callback address, so notifications that carry
// no order ids still reach their payment.
func (s *Processor) notifyURL(p *Payment) string {
	if s.cfg.PayU.ConfirmationMethod != config.ConfirmPush {
		return ""
	}
	return s.cfg.PublicBaseURL + webhookPath + "/" + p.ID.String()
}

func (s *Processor) orderRequest(p *Payment, info RequestInfo) (payu.OrderRequest, error) {
	if p.AmountRequired.IsNegative() || p.AmountRequired.IsZero() {
		return payu.OrderRequest{}, fmt.Errorf("%w: %s", ErrInvalidAmount, p.AmountRequired)
	}

	req := payu.OrderRequest{
		ExtOrderID:   p.ID.String(),
		CustomerIP:   info.CustomerIP,
		Description:  p.Description,
		CurrencyCode: p.Currency,
		TotalAmount:  p.AmountRequired,
		NotifyURL:    s.notifyURL(p),
		ContinueURL:  s.cfg.SuccessURL,
	}
	for _, item := range p.Items {
		req.Products = append(req.Products, payu.Product{
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  payu.Quantity(item.Quantity),
		})
	}
	if p.Buyer != nil && p.Buyer.Email != "" {
		req.Buyer = &payu.Buyer{
			Email:     p.Buyer.Email,
			Phone:     p.Buyer.Phone,
			FirstName: p.Buyer.FirstName,
			LastName:  p.Buyer.LastName,
			Language:  p.Buyer.Language,
		}
	}
	return req, nil
}

// postForm builds the signed hidden-input form posted by the payer's browser.
func (s *Processor) postForm(p *Payment, info RequestInfo) (*PostForm, error) {
	total, err := money.Centify(p.AmountRequired)
	if err != nil {
		return nil, err
	}

	customerIP := info.CustomerIP
	if customerIP == "" {
		customerIP = "127.0.0.1"
	}
	posID := strconv.Itoa(s.cfg.PayU.PosID)

	fields := url.Values{}
	fields.Set("extOrderId", p.ID.String())
	fields.Set("customerIp", customerIP)
	fields.Set("merchantPosId", posID)
	fields.Set("description", p.Description)
	fields.Set("currencyCode", strings.ToUpper(p.Currency))
	fields.Set("totalAmount", total)
	if s.cfg.SuccessURL != "" {
		fields.Set("continueUrl", s.cfg.SuccessURL)
	}
	if notify := s.notifyURL(p); notify != "" {
		fields.Set("notifyUrl", notify)
	}
	for i, item := range p.Items {
		price, err := money.Centify(item.UnitPrice)
		if err != nil {
			return nil, err
		}
		prefix := fmt.Sprintf("products[%d].", i)
		fields.Set(prefix+"name", item.Name)
		fields.Set(prefix+"unitPrice", price)
		fields.Set(prefix+"quantity", strconv.Itoa(item.Quantity))
	}
	if p.Buyer != nil && p.Buyer.Email != "" {
		fields.Set("buyer.email", p.Buyer.Email)
		for key, value := range map[string]string{
			"buyer.phone":     p.Buyer.Phone,
			"buyer.firstName": p.Buyer.FirstName,
			"buyer.lastName":  p.Buyer.LastName,
			"buyer.language":  p.Buyer.Language,
		} {
			if value != "" {
				fields.Set(key, value)
			}
		}
	}

	sig, err := signature.Sign(fields, s.cfg.PayU.SecondKey, s.cfg.PayU.Algorithm)
	if err != nil {
		return nil, err
	}
	fields.Set(signature.HeaderName, signature.FormatHeader(sig, s.cfg.PayU.Algorithm, posID))

	action, err := url.JoinPath(s.cfg.PayU.APIURL, ordersPath)
	if err != nil {
		return nil, err
	}
	return &PostForm{Action: action, Fields: fields}, nil
}

// ----------------- HandleCallback -----------------

// HandleCallback verifies and applies a gateway notification. paymentID comes
// from the callback URL and is uuid.Nil on the shared endpoint. It never
// returns an error: every outcome is an HTTP status for the gateway.
func (s *Processor) HandleCallback(ctx context.Context, paymentID uuid.UUID, body []byte, signatureHeader string) CallbackResult {
	log := logger.FromCtx(ctx)

	if strings.TrimSpace(signatureHeader) == "" {
		log.Warn("PayU callback without signature", zap.ByteString("body", body))
		metrics.IncWebhook("no_signature")
		return CallbackResult{StatusCode: http.StatusBadRequest, Message: "NO SIGNATURE"}
	}

	header, err := signature.ParseHeader(signatureHeader)
	if err != nil {
		log.Warn("PayU callback with unreadable signature", zap.Error(err))
		metrics.IncWebhook("no_signature")
		return CallbackResult{StatusCode: http.StatusBadRequest, Message: "NO SIGNATURE"}
	}
	if err := signature.Verify(body, s.cfg.PayU.SecondKey, signatureHeader); err != nil {
		log.Error("PayU callback with bad signature",
			zap.Error(err),
			zap.String("algorithm", header.Algorithm),
			zap.String("sender", header.Sender),
		)
		metrics.IncWebhook("bad_signature")
		return CallbackResult{StatusCode: http.StatusUnprocessableEntity, Message: "BAD SIGNATURE"}
	}

	n, err := payu.ParseNotification(body)
	if err != nil {
		log.Warn("PayU callback with invalid payload", zap.Error(err))
		metrics.IncWebhook("invalid_payload")
		return CallbackResult{StatusCode: http.StatusBadRequest, Message: "INVALID PAYLOAD"}
	}

	ctx = logger.With(ctx,
		zap.String("external_id", n.GatewayOrderID()),
		zap.String("event_type", eventType(n)),
	)
	log = logger.FromCtx(ctx)

	webhookID, processed, err := s.repo.SavePaymentWebhook(
		ctx, webhookProvider, header.Signature, eventType(n), n.GatewayOrderID(), body, true,
	)
	if err != nil {
		log.Error("Failed to journal PayU callback", zap.Error(err))
		metrics.IncWebhook("error")
		return CallbackResult{StatusCode: http.StatusInternalServerError, Message: "ERROR"}
	}
	if processed {
		log.Info("Duplicate PayU callback ignored", zap.Int64("webhook_id", webhookID))
		metrics.IncWebhook("duplicate")
		return CallbackResult{StatusCode: http.StatusOK, Message: "OK"}
	}

	var res Result
	p, err := s.lockForNotification(ctx, paymentID, n, func(p *Payment) error {
		res = ApplyNotification(ctx, p, n)
		return nil
	})
	if err != nil {
		if markErr := s.repo.MarkWebhookFailed(ctx, webhookID, err.Error()); markErr != nil {
			log.Error("Failed to mark webhook failed", zap.Error(markErr))
		}
		if errors.Is(err, ErrNotFound) {
			log.Warn("PayU callback for unknown payment")
			metrics.IncWebhook("unknown_payment")
			return CallbackResult{StatusCode: http.StatusNotFound, Message: "UNKNOWN PAYMENT"}
		}
		log.Error("Failed to apply PayU callback", zap.Error(err))
		metrics.IncWebhook("error")
		return CallbackResult{StatusCode: http.StatusInternalServerError, Message: "ERROR"}
	}

	if err := s.repo.MarkWebhookProcessed(ctx, webhookID); err != nil {
		log.Error("Failed to mark webhook processed", zap.Error(err))
	}

	log.Info("PayU callback processed",
		zap.String("payment_id", p.ID.String()),
		zap.String("status", string(p.Status)),
		zap.Any("applied", res.Applied),
		zap.Any("skipped", res.Skipped),
	)
	metrics.IncWebhook("ok")
	return CallbackResult{StatusCode: http.StatusOK, Message: "OK"}
}

// lockForNotification finds the payment by the id in the callback URL, then
// by gateway order id, then by the merchant-side id the order was created with.
func (s *Processor) lockForNotification(ctx context.Context, paymentID uuid.UUID, n *payu.Notification, fn func(p *Payment) error) (*Payment, error) {
	if paymentID != uuid.Nil {
		p, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
			if err := claim(p, n); err != nil {
				return err
			}
			return fn(p)
		})
		if !errors.Is(err, ErrNotFound) {
			return p, err
		}
	}

	p, err := s.repo.WithLockByExternalID(ctx, Backend, n.GatewayOrderID(), fn)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}

	id, parseErr := uuid.Parse(n.ExternalOrderID())
	if parseErr != nil {
		return nil, ErrNotFound
	}
	return s.repo.WithLock(ctx, id, func(p *Payment) error {
		if err := claim(p, n); err != nil {
			return err
		}
		return fn(p)
	})
}

// claim checks that n may be applied to p and records the gateway order id
// when p does not have one yet.
func claim(p *Payment, n *payu.Notification) error {
	if p.Backend != Backend {
		return ErrNotFound
	}
	gatewayID := n.GatewayOrderID()
	if gatewayID != "" && p.ExternalID != "" && p.ExternalID != gatewayID {
		return fmt.Errorf("%w: payment belongs to order %s", ErrNotFound, p.ExternalID)
	}
	if p.ExternalID == "" {
		p.ExternalID = gatewayID
	}
	return nil
}

func eventType(n *payu.Notification) string {
	switch {
	case n.Order != nil:
		return "order." + string(n.Order.Status)
	case n.Refund != nil:
		return "refund." + string(n.Refund.Status)
	}
	return "unknown"
}

// ----------------- FetchPaymentStatus -----------------

// FetchPaymentStatus polls the gateway and applies the order status the same
// way a notification would.
func (s *Processor) FetchPaymentStatus(ctx context.Context, paymentID uuid.UUID) (*StatusResult, error) {
	ctx = logger.With(ctx, zap.String("payment_id", paymentID.String()))

	var out StatusResult
	p, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
		if p.ExternalID == "" {
			return ErrNoExternalID
		}
		info, err := s.gateway.OrderInfo(ctx, p.ExternalID)
		if err != nil {
			return err
		}
		order, ok := info.Order()
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderMissing, p.ExternalID)
		}
		out.GatewayStatus = order.Status
		out.Result = ApplyOrderStatus(ctx, p, order.Status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Payment = p
	return &out, nil
}

// ----------------- Charge -----------------

// Charge captures a locked payment.
func (s *Processor) Charge(ctx context.Context, paymentID uuid.UUID) (*ChargeResult, error) {
	ctx = logger.With(ctx, zap.String("payment_id", paymentID.String()))
	log := logger.FromCtx(ctx)

	var out ChargeResult
	_, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
		if !p.CanTransition(EventConfirmChargeSent) {
			return fmt.Errorf("%w: cannot charge payment in %s", ErrInvalidTransition, p.Status)
		}
		resp, err := s.gateway.Capture(ctx, p.ExternalID)
		if err != nil {
			return err
		}
		out = ChargeResult{Success: resp.Status.Success(), StatusDesc: resp.Status.StatusDesc}
		if !out.Success {
			log.Warn("PayU did not accept capture", zap.String("status_code", resp.Status.StatusCode))
			return nil
		}
		return p.ConfirmChargeSent()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- ReleaseLock -----------------

// ReleaseLock cancels the gateway order and returns the amount that was
// locked, or zero when the gateway did not confirm the cancellation.
func (s *Processor) ReleaseLock(ctx context.Context, paymentID uuid.UUID) (decimal.Decimal, error) {
	ctx = logger.With(ctx, zap.String("payment_id", paymentID.String()))
	log := logger.FromCtx(ctx)

	released := decimal.Zero
	_, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
		if !p.CanTransition(EventReleaseLock) && !p.CanTransition(EventFail) {
			return fmt.Errorf("%w: cannot release payment in %s", ErrInvalidTransition, p.Status)
		}
		if p.ExternalID == "" {
			return ErrNoExternalID
		}
		resp, err := s.gateway.CancelOrder(ctx, p.ExternalID)
		if err != nil {
			return err
		}
		if !resp.Status.Success() {
			log.Warn("PayU did not confirm cancellation", zap.String("status_code", resp.Status.StatusCode))
			return nil
		}

		released = p.AmountLocked
		switch {
		case p.CanTransition(EventReleaseLock):
			return p.ReleaseLock()
		case p.CanTransition(EventFail):
			return p.Fail()
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return released, nil
}

// ----------------- StartRefund -----------------

// StartRefund asks the gateway to refund amount (everything refundable when
// nil). The outcome arrives later as a refund notification.
func (s *Processor) StartRefund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, description string) (*payu.RefundResponse, error) {
	ctx = logger.With(ctx, zap.String("payment_id", paymentID.String()))

	var out *payu.RefundResponse
	_, err := s.repo.WithLock(ctx, paymentID, func(p *Payment) error {
		if !p.CanTransition(EventStartRefund) {
			return fmt.Errorf("%w: cannot refund payment in %s", ErrInvalidTransition, p.Status)
		}
		if amount != nil && (!amount.IsPositive() || amount.GreaterThan(p.Refundable())) {
			return fmt.Errorf("%w: refund %s of %s refundable", ErrInvalidAmount, amount, p.Refundable())
		}
		resp, err := s.gateway.Refund(ctx, p.ExternalID, amount, description)
		if err != nil {
			return err
		}
		out = resp
		return p.StartRefund()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ----------------- ShopInfo -----------------

// ShopInfo reads the balance of a shop registered with the gateway.
func (s *Processor) ShopInfo(ctx context.Context, shopID string) (*payu.ShopInfo, error) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return nil, fmt.Errorf("%w: shop id is required", payu.ErrInvalidRequest)
	}
	return s.gateway.ShopInfo(logger.With(ctx, zap.String("shop_id", shopID)), shopID)
}
