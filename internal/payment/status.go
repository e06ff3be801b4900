package payment

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusNew           Status = "NEW"
	StatusPrepared      Status = "PREPARED"
	StatusPreAuth       Status = "PRE_AUTH"
	StatusInCharge      Status = "IN_CHARGE"
	StatusPartial       Status = "PARTIAL"
	StatusPaid          Status = "PAID"
	StatusFailed        Status = "FAILED"
	StatusRefundStarted Status = "REFUND_STARTED"
	StatusRefunded      Status = "REFUNDED"
)

type Event string

const (
	EventConfirmPrepared   Event = "confirm_prepared"
	EventConfirmLock       Event = "confirm_lock"
	EventConfirmChargeSent Event = "confirm_charge_sent"
	EventConfirmPayment    Event = "confirm_payment"
	EventMarkAsPaid        Event = "mark_as_paid"
	EventReleaseLock       Event = "release_lock"
	EventStartRefund       Event = "start_refund"
	EventConfirmRefund     Event = "confirm_refund"
	EventCancelRefund      Event = "cancel_refund"
	EventMarkAsRefunded    Event = "mark_as_refunded"
	EventFail              Event = "fail"
)

var ErrInvalidTransition = errors.New("transition not allowed")

type transition struct {
	from []Status
	to   Status
}

var transitions = map[Event]transition{
	EventConfirmPrepared:   {from: []Status{StatusNew}, to: StatusPrepared},
	EventConfirmLock:       {from: []Status{StatusNew, StatusPrepared}, to: StatusPreAuth},
	EventConfirmChargeSent: {from: []Status{StatusPreAuth}, to: StatusInCharge},
	EventConfirmPayment:    {from: []Status{StatusPrepared, StatusPreAuth, StatusInCharge}, to: StatusPartial},
	EventMarkAsPaid:        {from: []Status{StatusPartial}, to: StatusPaid},
	EventReleaseLock:       {from: []Status{StatusPreAuth}, to: StatusFailed},
	EventStartRefund:       {from: []Status{StatusPaid, StatusPartial}, to: StatusRefundStarted},
	EventConfirmRefund:     {from: []Status{StatusRefundStarted}, to: StatusPartial},
	EventCancelRefund:      {from: []Status{StatusRefundStarted}, to: StatusPartial},
	EventMarkAsRefunded:    {from: []Status{StatusPartial}, to: StatusRefunded},
	EventFail:              {from: []Status{StatusNew, StatusPrepared, StatusPreAuth}, to: StatusFailed},
}

// CanTransition reports whether e is legal from the current state, including
// the amount conditions of mark_as_paid and mark_as_refunded.
func (p *Payment) CanTransition(e Event) bool {
	t, ok := transitions[e]
	if !ok || !slices.Contains(t.from, p.Status) {
		return false
	}
	switch e {
	case EventMarkAsPaid:
		return p.AmountPaid.GreaterThanOrEqual(p.AmountRequired)
	case EventMarkAsRefunded:
		return p.AmountRefunded.GreaterThanOrEqual(p.AmountPaid)
	}
	return true
}

func (p *Payment) apply(e Event) error {
	if !p.CanTransition(e) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, e, p.Status)
	}
	p.Status = transitions[e].to
	return nil
}

func (p *Payment) ConfirmPrepared() error {
	return p.apply(EventConfirmPrepared)
}

func (p *Payment) ConfirmLock() error {
	if err := p.apply(EventConfirmLock); err != nil {
		return err
	}
	p.AmountLocked = p.AmountRequired
	return nil
}

func (p *Payment) ConfirmChargeSent() error {
	return p.apply(EventConfirmChargeSent)
}

// ConfirmPayment records the locked amount (or the required one when nothing
// was locked) as paid.
func (p *Payment) ConfirmPayment() error {
	if err := p.apply(EventConfirmPayment); err != nil {
		return err
	}
	p.AmountPaid = p.AmountLocked
	if p.AmountPaid.IsZero() {
		p.AmountPaid = p.AmountRequired
	}
	p.AmountLocked = decimal.Zero
	return nil
}

func (p *Payment) MarkAsPaid() error {
	return p.apply(EventMarkAsPaid)
}

func (p *Payment) ReleaseLock() error {
	if err := p.apply(EventReleaseLock); err != nil {
		return err
	}
	p.AmountLocked = decimal.Zero
	return nil
}

func (p *Payment) StartRefund() error {
	return p.apply(EventStartRefund)
}

func (p *Payment) ConfirmRefund(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative refund %s", ErrInvalidAmount, amount)
	}
	if err := p.apply(EventConfirmRefund); err != nil {
		return err
	}
	p.AmountRefunded = p.AmountRefunded.Add(amount)
	return nil
}

func (p *Payment) CancelRefund() error {
	return p.apply(EventCancelRefund)
}

func (p *Payment) MarkAsRefunded() error {
	return p.apply(EventMarkAsRefunded)
}

func (p *Payment) Fail() error {
	return p.apply(EventFail)
}
