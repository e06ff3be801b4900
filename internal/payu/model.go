package payu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderNew                    OrderStatus = "NEW"
	OrderPending                OrderStatus = "PENDING"
	OrderWaitingForConfirmation OrderStatus = "WAITING_FOR_CONFIRMATION"
	OrderCompleted              OrderStatus = "COMPLETED"
	OrderCanceled               OrderStatus = "CANCELED"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundFinalized RefundStatus = "FINALIZED"
	RefundCanceled  RefundStatus = "CANCELED"
)

// StatusSuccess is the statusCode of an accepted request.
const StatusSuccess = "SUCCESS"

// ----------------- Session -----------------

type Session struct {
	TokenType   string
	AccessToken string
	ExpiresAt   time.Time
}

// Authorization renders the header value, e.g. "Bearer 3e5cac39-...".
func (s Session) Authorization() string {
	tokenType := strings.ToLower(s.TokenType)
	if tokenType != "" {
		tokenType = strings.ToUpper(tokenType[:1]) + tokenType[1:]
	}
	return tokenType + " " + s.AccessToken
}

// Stale reports whether the token must be renewed before use at now.
func (s Session) Stale(now time.Time) bool {
	return s.AccessToken == "" || !now.Before(s.ExpiresAt.Add(-expirySkew))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	GrantType   string `json:"grant_type"`
}

// ----------------- Orders -----------------

type Product struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  Quantity        `json:"quantity"`
}

// Quantity is sent as a JSON string and read from either a string or a number.
type Quantity int

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.Itoa(int(q)))
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		d, derr := decimal.NewFromString(raw)
		if derr != nil || !d.IsInteger() {
			return fmt.Errorf("invalid quantity %s", data)
		}
		n = int(d.IntPart())
	}
	*q = Quantity(n)
	return nil
}

type Buyer struct {
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Language  string `json:"language,omitempty"`
}

type Settings struct {
	InvoiceDisabled string `json:"invoiceDisabled"`
}

type OrderRequest struct {
	ExtOrderID    string          `json:"extOrderId"`
	CustomerIP    string          `json:"customerIp"`
	MerchantPosID string          `json:"merchantPosId"`
	Description   string          `json:"description"`
	CurrencyCode  string          `json:"currencyCode"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Products      []Product       `json:"products"`
	Buyer         *Buyer          `json:"buyer,omitempty"`
	NotifyURL     string          `json:"notifyUrl,omitempty"`
	ContinueURL   string          `json:"continueUrl,omitempty"`
	Settings      *Settings       `json:"settings,omitempty"`
}

// ResponseStatus accepts both a bare status string and the gateway's
// {"statusCode": ..., "statusDesc": ...} object.
type ResponseStatus struct {
	StatusCode string `json:"statusCode"`
	StatusDesc string `json:"statusDesc,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (s *ResponseStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.StatusCode)
	}
	type plain ResponseStatus
	return json.Unmarshal(data, (*plain)(s))
}

func (s ResponseStatus) Success() bool {
	return s.StatusCode == StatusSuccess
}

type OrderResponse struct {
	OrderID     string         `json:"orderId"`
	ExtOrderID  string         `json:"extOrderId,omitempty"`
	RedirectURI string         `json:"redirectUri,omitempty"`
	Status      ResponseStatus `json:"status"`
}

type OrderInfo struct {
	OrderID         string          `json:"orderId"`
	ExtOrderID      string          `json:"extOrderId,omitempty"`
	OrderCreateDate string          `json:"orderCreateDate,omitempty"`
	NotifyURL       string          `json:"notifyUrl,omitempty"`
	CustomerIP      string          `json:"customerIp,omitempty"`
	MerchantPosID   string          `json:"merchantPosId,omitempty"`
	Description     string          `json:"description,omitempty"`
	CurrencyCode    string          `json:"currencyCode,omitempty"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          OrderStatus     `json:"status"`
	Products        []Product       `json:"products,omitempty"`
	Buyer           *Buyer          `json:"buyer,omitempty"`
}

type OrderInfoResponse struct {
	Orders []OrderInfo    `json:"orders"`
	Status ResponseStatus `json:"status"`
}

// Order returns the first order of the lookup, if any.
func (r OrderInfoResponse) Order() (OrderInfo, bool) {
	if len(r.Orders) == 0 {
		return OrderInfo{}, false
	}
	return r.Orders[0], true
}

// ----------------- Refunds -----------------

type refundBody struct {
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

type refundRequest struct {
	OrderID string     `json:"orderId"`
	Refund  refundBody `json:"refund"`
}

type Refund struct {
	RefundID         string          `json:"refundId,omitempty"`
	ExtRefundID      string          `json:"extRefundId,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	CurrencyCode     string          `json:"currencyCode,omitempty"`
	Description      string          `json:"description,omitempty"`
	CreationDateTime string          `json:"creationDateTime,omitempty"`
	Status           RefundStatus    `json:"status"`
	StatusDateTime   string          `json:"statusDateTime,omitempty"`
}

type RefundResponse struct {
	OrderID string         `json:"orderId"`
	Refund  Refund         `json:"refund"`
	Status  ResponseStatus `json:"status"`
}

// ----------------- Status changes -----------------

type statusUpdate struct {
	OrderID     string      `json:"orderId"`
	OrderStatus OrderStatus `json:"orderStatus"`
}

type StatusResponse struct {
	OrderID    string         `json:"orderId,omitempty"`
	ExtOrderID string         `json:"extOrderId,omitempty"`
	Status     ResponseStatus `json:"status"`
}

// ----------------- Shops -----------------

type Balance struct {
	CurrencyCode string          `json:"currencyCode"`
	Total        decimal.Decimal `json:"total"`
	Available    decimal.Decimal `json:"available"`
}

type ShopInfo struct {
	ShopID       string  `json:"shopId"`
	Name         string  `json:"name"`
	CurrencyCode string  `json:"currencyCode"`
	Balance      Balance `json:"balance"`
}

// ----------------- Notifications -----------------

// Notification is a webhook payload: either an order notification
// ({"order": {...}}) or a refund notification ({"orderId", "refund": {...}}).
type Notification struct {
	Order      *OrderInfo `json:"order,omitempty"`
	OrderID    string     `json:"orderId,omitempty"`
	ExtOrderID string     `json:"extOrderId,omitempty"`
	Refund     *Refund    `json:"refund,omitempty"`

	LocalReceiptDateTime string `json:"localReceiptDateTime,omitempty"`
}

// GatewayOrderID is the gateway-side order id the notification refers to.
func (n Notification) GatewayOrderID() string {
	if n.Order != nil && n.Order.OrderID != "" {
		return n.Order.OrderID
	}
	return n.OrderID
}

// ExternalOrderID is the merchant-side id (the local payment id) if present.
func (n Notification) ExternalOrderID() string {
	if n.Order != nil && n.Order.ExtOrderID != "" {
		return n.Order.ExtOrderID
	}
	return n.ExtOrderID
}
