package payment

import (
	"context"

	"payu-gateway/internal/logger"
	"payu-gateway/internal/metrics"
	"payu-gateway/internal/payu"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transitioner is the part of a payment the reconciliation needs.
type Transitioner interface {
	CanTransition(Event) bool
	ConfirmPrepared() error
	ConfirmLock() error
	ConfirmPayment() error
	MarkAsPaid() error
	ConfirmRefund(amount decimal.Decimal) error
	CancelRefund() error
	MarkAsRefunded() error
	Fail() error
}

// Result lists what a reconciliation did. Skipped transitions were not legal
// from the state the payment was in, usually because they already happened.
type Result struct {
	Applied []Event
	Skipped []Event
}

func (r Result) Changed() bool {
	return len(r.Applied) > 0
}

// ApplyOrderStatus moves p to match an order status reported by the gateway.
// It is safe to call any number of times with the same status.
func ApplyOrderStatus(ctx context.Context, p Transitioner, status payu.OrderStatus) Result {
	var res Result
	switch status {
	case payu.OrderNew, payu.OrderPending:
		step(ctx, p, &res, EventConfirmPrepared, p.ConfirmPrepared)
	case payu.OrderWaitingForConfirmation:
		step(ctx, p, &res, EventConfirmLock, p.ConfirmLock)
	case payu.OrderCompleted:
		step(ctx, p, &res, EventConfirmPayment, p.ConfirmPayment)
		step(ctx, p, &res, EventMarkAsPaid, p.MarkAsPaid)
	case payu.OrderCanceled:
		step(ctx, p, &res, EventFail, p.Fail)
	default:
		logger.FromCtx(ctx).Warn("Ignoring unmapped PayU order status", zap.String("gateway_status", string(status)))
	}
	return res
}

// ApplyRefund moves p to match a refund status. amount is in major units.
func ApplyRefund(ctx context.Context, p Transitioner, status payu.RefundStatus, amount decimal.Decimal) Result {
	var res Result
	switch status {
	case payu.RefundFinalized:
		step(ctx, p, &res, EventConfirmRefund, func() error { return p.ConfirmRefund(amount) })
		step(ctx, p, &res, EventMarkAsRefunded, p.MarkAsRefunded)
	case payu.RefundCanceled:
		step(ctx, p, &res, EventCancelRefund, p.CancelRefund)
		step(ctx, p, &res, EventMarkAsPaid, p.MarkAsPaid)
	case payu.RefundPending:
		// nothing to do until the refund settles
	default:
		logger.FromCtx(ctx).Warn("Ignoring unmapped PayU refund status", zap.String("gateway_status", string(status)))
	}
	return res
}

// ApplyNotification dispatches a webhook payload to the order or refund path.
func ApplyNotification(ctx context.Context, p Transitioner, n *payu.Notification) Result {
	switch {
	case n.Order != nil:
		return ApplyOrderStatus(ctx, p, n.Order.Status)
	case n.Refund != nil:
		return ApplyRefund(ctx, p, n.Refund.Status, n.Refund.Amount)
	}
	return Result{}
}

func step(ctx context.Context, p Transitioner, res *Result, e Event, fn func() error) {
	log := logger.FromCtx(ctx).With(zap.String("event", string(e)))

	if !p.CanTransition(e) {
		log.Debug("Skipping transition")
		res.Skipped = append(res.Skipped, e)
		metrics.IncTransition(string(e), "skipped")
		return
	}
	if err := fn(); err != nil {
		log.Warn("Transition rejected", zap.Error(err))
		res.Skipped = append(res.Skipped, e)
		metrics.IncTransition(string(e), "rejected")
		return
	}

	log.Info("Transition applied")
	res.Applied = append(res.Applied, e)
	metrics.IncTransition(string(e), "applied")
}
