package payu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"payu-gateway/internal/logger"
	"payu-gateway/internal/metrics"
	"payu-gateway/internal/money"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	authorizePath = "/pl/standard/user/oauth/authorize"
	ordersPath    = "/api/v2_1/orders"
	shopsPath     = "/api/v2_1/shops"

	// expirySkew renews a token this long before the gateway would reject it.
	expirySkew = 5 * time.Second

	defaultCustomerIP  = "127.0.0.1"
	defaultDescription = "Payment order"
	defaultProductName = "Total order"
	defaultRefundDesc  = "Refund"
)

type Options struct {
	BaseURL     string
	PosID       int
	OAuthID     string
	OAuthSecret string
	// HTTPClient is copied; redirects are never followed.
	HTTPClient *http.Client
}

// Client talks to the PayU REST API on behalf of one point of sale.
// It is safe for concurrent use.
type Client struct {
	base        *url.URL
	posID       string
	oauthID     string
	oauthSecret string
	httpClient  *http.Client
	now         func() time.Time

	mu      sync.Mutex
	session Session
	last    *RawResponse
	refresh singleflight.Group
}

// ----------------- Constructor -----------------

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid PayU base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid PayU base url: %q", opts.BaseURL)
	}
	if opts.OAuthID == "" || opts.OAuthSecret == "" {
		logger.L().Warn("PayU OAuth credentials are empty")
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		httpClient = &copied
	}
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		base:        base,
		posID:       strconv.Itoa(opts.PosID),
		oauthID:     opts.OAuthID,
		oauthSecret: opts.OAuthSecret,
		httpClient:  httpClient,
		now:         time.Now,
	}, nil
}

// ----------------- Request options -----------------

type RequestOption func(*requestOptions)

type requestOptions struct {
	extra map[string]string
}

// WithExtra adds key=value both as a request header and as a top-level field
// of the JSON body.
func WithExtra(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.extra == nil {
			o.extra = make(map[string]string)
		}
		o.extra[key] = value
	}
}

func collect(opts []RequestOption) requestOptions {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ----------------- Authorization -----------------

// currentSession returns a copy of the current token state.
func (c *Client) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastResponse returns the most recent raw gateway response, or nil.
func (c *Client) LastResponse() *RawResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Authorize fetches a fresh token regardless of the current one.
func (c *Client) Authorize(ctx context.Context) (Session, error) {
	v, err, _ := c.refresh.Do("token", func() (any, error) {
		return c.authorize(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// ensureAuth returns the Authorization header value, renewing the token first
// when it is missing or about to expire. Concurrent renewals share one call.
func (c *Client) ensureAuth(ctx context.Context) (string, error) {
	if s, ok := c.fresh(); ok {
		return s.Authorization(), nil
	}

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		if s, ok := c.fresh(); ok {
			return s, nil
		}
		// shared by every waiter, so it must not die with the first caller
		return c.authorize(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(Session).Authorization(), nil
}

func (c *Client) fresh() (Session, bool) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return s, !s.Stale(c.now())
}

func (c *Client) authorize(ctx context.Context) (Session, error) {
	log := logger.FromCtx(ctx).With(zap.String("operation", "authorize"))

	endpoint, err := c.endpoint(authorizePath)
	if err != nil {
		return Session{}, err
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.oauthID},
		"client_secret": {c.oauthSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		log.Error("Failed creating request", zap.Error(err))
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	requested := c.now()
	timer := metrics.StartTimer()
	raw, err := c.send(req)
	if err != nil {
		log.Error("PayU authorization request failed", zap.Error(err))
		metrics.ObserveGateway("authorize", "error", timer)
		metrics.IncTokenRefresh("error")
		return Session{}, &ResponseError{Op: "authorize", Err: ErrCommunication, Cause: err}
	}

	if raw.StatusCode != http.StatusOK {
		log.Error("PayU rejected credentials",
			zap.Int("status", raw.StatusCode),
			zap.ByteString("response", raw.Body),
		)
		metrics.ObserveGateway("authorize", "rejected", timer)
		metrics.IncTokenRefresh("rejected")
		return Session{}, &ResponseError{Op: "authorize", Raw: raw, Err: ErrCredentials}
	}

	var token tokenResponse
	if err := json.Unmarshal(raw.Body, &token); err != nil || token.AccessToken == "" {
		log.Error("Failed decoding PayU token", zap.Error(err))
		metrics.ObserveGateway("authorize", "rejected", timer)
		metrics.IncTokenRefresh("rejected")
		return Session{}, &ResponseError{Op: "authorize", Raw: raw, Err: ErrCredentials, Cause: err}
	}
	metrics.ObserveGateway("authorize", "ok", timer)
	metrics.IncTokenRefresh("ok")

	session := Session{
		TokenType:   token.TokenType,
		AccessToken: token.AccessToken,
		ExpiresAt:   requested.Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	log.Info("PayU token obtained", zap.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// ----------------- CreateOrder -----------------

// CreateOrder registers a new order and returns the redirect for the payer.
// Amounts in req are major units.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest, opts ...RequestOption) (*OrderResponse, error) {
	if req.ExtOrderID == "" {
		return nil, fmt.Errorf("%w: extOrderId is required", ErrInvalidRequest)
	}
	if req.CurrencyCode == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if req.TotalAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s", ErrInvalidRequest, req.TotalAmount)
	}

	if req.CustomerIP == "" {
		req.CustomerIP = defaultCustomerIP
	}
	if req.MerchantPosID == "" {
		req.MerchantPosID = c.posID
	}
	if req.Description == "" {
		req.Description = defaultDescription
	}
	req.CurrencyCode = strings.ToUpper(req.CurrencyCode)
	if len(req.Products) == 0 {
		req.Products = []Product{{Name: defaultProductName, UnitPrice: req.TotalAmount, Quantity: 1}}
	}
	if req.Buyer != nil && req.Buyer.Email == "" {
		req.Buyer = nil
	}
	req.Settings = &Settings{InvoiceDisabled: "true"}

	var out OrderResponse
	ok := []int{http.StatusOK, http.StatusCreated, http.StatusFound}
	if err := c.do(ctx, "create_order", http.MethodPost, ordersPath, req, ErrLockFailure, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- Refund -----------------

// Refund asks for a refund of amount, or of the whole order when amount is nil.
func (c *Client) Refund(ctx context.Context, orderID string, amount *decimal.Decimal, description string, opts ...RequestOption) (*RefundResponse, error) {
	if description == "" {
		description = defaultRefundDesc
	}
	body := refundRequest{
		OrderID: orderID,
		Refund:  refundBody{Description: description, Amount: amount},
	}

	var out RefundResponse
	ok := []int{http.StatusOK}
	if err := c.do(ctx, "refund", http.MethodPost, orderPath(orderID, "refunds"), body, ErrRefundFailure, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- CancelOrder -----------------

func (c *Client) CancelOrder(ctx context.Context, orderID string, opts ...RequestOption) (*StatusResponse, error) {
	var out StatusResponse
	ok := []int{http.StatusOK}
	if err := c.do(ctx, "cancel_order", http.MethodDelete, orderPath(orderID), nil, ErrGateway, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- Capture -----------------

// Capture completes an order that is waiting for confirmation.
func (c *Client) Capture(ctx context.Context, orderID string, opts ...RequestOption) (*StatusResponse, error) {
	body := statusUpdate{OrderID: orderID, OrderStatus: OrderCompleted}

	var out StatusResponse
	ok := []int{http.StatusOK}
	if err := c.do(ctx, "capture", http.MethodPut, orderPath(orderID, "status"), body, ErrChargeFailure, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- OrderInfo -----------------

func (c *Client) OrderInfo(ctx context.Context, orderID string, opts ...RequestOption) (*OrderInfoResponse, error) {
	var out OrderInfoResponse
	ok := []int{http.StatusOK}
	if err := c.do(ctx, "order_info", http.MethodGet, orderPath(orderID), nil, ErrCommunication, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- ShopInfo -----------------

func (c *Client) ShopInfo(ctx context.Context, shopID string, opts ...RequestOption) (*ShopInfo, error) {
	var out ShopInfo
	ok := []int{http.StatusOK}
	path := shopsPath + "/" + url.PathEscape(shopID)
	if err := c.do(ctx, "shop_info", http.MethodGet, path, nil, ErrCommunication, ok, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- Transport -----------------

func orderPath(orderID string, suffix ...string) string {
	p := ordersPath + "/" + url.PathEscape(orderID)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// endpoint resolves an absolute API path against the base url.
func (c *Client) endpoint(p string) (string, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}

// do performs one authorized JSON call. payload amounts are converted to
// minor units on the way out and the response back to major units. Any status
// outside ok fails with failure.
func (c *Client) do(
	ctx context.Context,
	op, method, path string,
	payload any,
	failure error,
	ok []int,
	out any,
	opts []RequestOption,
) error {
	log := logger.FromCtx(ctx).With(
		zap.String("operation", op),
		zap.String("method", method),
		zap.String("path", path),
	)

	auth, err := c.ensureAuth(ctx)
	if err != nil {
		return err
	}

	o := collect(opts)
	var body io.Reader
	if payload != nil {
		encoded, err := encodeBody(payload, o.extra)
		if err != nil {
			log.Error("Failed to encode PayU request", zap.Error(err))
			return &ResponseError{Op: op, Err: ErrInvalidRequest, Cause: err}
		}
		log.Debug("PayU request", zap.ByteString("body", encoded))
		body = bytes.NewReader(encoded)
	}

	endpoint, err := c.endpoint(path)
	if err != nil {
		return &ResponseError{Op: op, Err: ErrInvalidRequest, Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		log.Error("Failed creating request", zap.Error(err))
		return &ResponseError{Op: op, Err: ErrInvalidRequest, Cause: err}
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.extra {
		req.Header.Set(k, v)
	}

	timer := metrics.StartTimer()
	raw, err := c.send(req)
	if err != nil {
		log.Error("PayU request failed", zap.Error(err))
		metrics.ObserveGateway(op, "error", timer)
		return &ResponseError{Op: op, Err: ErrCommunication, Cause: err}
	}

	if !slices.Contains(ok, raw.StatusCode) {
		log.Error("PayU returned non-success status",
			zap.Int("status", raw.StatusCode),
			zap.ByteString("response", raw.Body),
		)
		metrics.ObserveGateway(op, "rejected", timer)
		return &ResponseError{Op: op, Raw: raw, Err: failure}
	}

	if out != nil {
		if err := decodeBody(raw.Body, out); err != nil {
			log.Error("Failed decoding PayU response", zap.Error(err), zap.ByteString("response", raw.Body))
			metrics.ObserveGateway(op, "error", timer)
			return &ResponseError{Op: op, Raw: raw, Err: ErrCommunication, Cause: err}
		}
	}

	metrics.ObserveGateway(op, "ok", timer)
	log.Info("PayU request completed", zap.Int("status", raw.StatusCode))
	return nil
}

// send executes req and records the response as the last one seen.
func (c *Client) send(req *http.Request) (*RawResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read PayU response: %w", err)
	}

	raw := &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: bodyBytes}
	c.mu.Lock()
	c.last = raw
	c.mu.Unlock()
	return raw, nil
}

func encodeBody(payload any, extra map[string]string) ([]byte, error) {
	tree, err := money.Tree(payload)
	if err != nil {
		return nil, err
	}
	minor, err := money.ToMinorUnits(tree)
	if err != nil {
		return nil, err
	}
	if m, ok := minor.(map[string]any); ok {
		for k, v := range extra {
			m[k] = v
		}
	}
	return json.Marshal(minor)
}

func decodeBody(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	tree, err := money.Decode(data)
	if err != nil {
		return err
	}
	major, err := money.ToMajorUnits(tree)
	if err != nil {
		return err
	}
	return money.Into(major, out)
}

// ParseNotification decodes a webhook body, converting amounts to major units.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := decodeBody(body, &n); err != nil {
		return nil, err
	}
	if n.Order == nil && n.Refund == nil {
		return nil, fmt.Errorf("%w: notification carries neither order nor refund", ErrInvalidRequest)
	}
	return &n, nil
}
