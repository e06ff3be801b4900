package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Backend is the slug stored with every payment handled by this service.
const Backend = "payu"

type Payment struct {
	ID             uuid.UUID
	OrderID        string
	Backend        string
	ExternalID     string
	Description    string
	Currency       string
	AmountRequired decimal.Decimal
	AmountLocked   decimal.Decimal
	AmountPaid     decimal.Decimal
	AmountRefunded decimal.Decimal
	Status         Status
	Items          []Item
	Buyer          *Buyer
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Buyer struct {
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Language  string `json:"language,omitempty"`
}

// NewPayment returns a payment in status NEW for amount in currency.
func NewPayment(orderID, currency string, amount decimal.Decimal) *Payment {
	return &Payment{
		ID:             uuid.New(),
		OrderID:        orderID,
		Backend:        Backend,
		Currency:       currency,
		AmountRequired: amount,
		Status:         StatusNew,
	}
}

// Refundable is what can still be given back to the payer.
func (p *Payment) Refundable() decimal.Decimal {
	return p.AmountPaid.Sub(p.AmountRefunded)
}
