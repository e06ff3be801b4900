package payu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payu-gateway/internal/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRoundTripper allows us to mock the HTTP response
type MockRoundTripper func(req *http.Request) *http.Response

func (f MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

type MockRoundTripperWithError func(req *http.Request) (*http.Response, error)

func (f MockRoundTripperWithError) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

const tokenBody = `{"access_token":"3e5cac39-7e38-4139-8fd6-30adc06a61bd","token_type":"bearer","expires_in":43199,"grant_type":"client_credentials"}`

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func readJSON(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func newClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:     "https://secure.snd.payu.com/",
		PosID:       145227,
		OAuthID:     "145227",
		OAuthSecret: "12f071174cb7eb79d4aac5bc2f07563f",
	})
	require.NoError(t, err)
	return c
}

// newTestClient answers the token endpoint itself and hands every other
// request to handler.
func newTestClient(t *testing.T, handler func(req *http.Request) *http.Response) *Client {
	t.Helper()
	c := newClient(t)
	c.httpClient.Transport = MockRoundTripper(func(req *http.Request) *http.Response {
		if req.URL.Path == authorizePath {
			return jsonResponse(http.StatusOK, tokenBody)
		}
		return handler(req)
	})
	return c
}

func TestNewClient(t *testing.T) {
	t.Run("InvalidURL", func(t *testing.T) {
		_, err := NewClient(Options{BaseURL: "secure.payu.com"})
		assert.Error(t, err)
	})

	t.Run("DoesNotFollowRedirects", func(t *testing.T) {
		c := newClient(t)
		require.NotNil(t, c.httpClient.CheckRedirect)
		assert.ErrorIs(t, c.httpClient.CheckRedirect(nil, nil), http.ErrUseLastResponse)
	})
}

func TestClient_Authorize(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := newClient(t)
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		c.httpClient.Transport = MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, "https://secure.snd.payu.com/pl/standard/user/oauth/authorize", req.URL.String())
			assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

			require.NoError(t, req.ParseForm())
			assert.Equal(t, "client_credentials", req.PostForm.Get("grant_type"))
			assert.Equal(t, "145227", req.PostForm.Get("client_id"))
			assert.Equal(t, "12f071174cb7eb79d4aac5bc2f07563f", req.PostForm.Get("client_secret"))

			return jsonResponse(http.StatusOK, tokenBody)
		})

		s, err := c.Authorize(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer 3e5cac39-7e38-4139-8fd6-30adc06a61bd", s.Authorization())
		assert.Equal(t, now.Add(43199*time.Second), s.ExpiresAt)
		assert.Equal(t, s, c.currentSession())
	})

	t.Run("Rejected", func(t *testing.T) {
		c := newClient(t)
		c.httpClient.Transport = MockRoundTripper(func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusUnauthorized, `{"error":"invalid_client"}`)
		})

		_, err := c.Authorize(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCredentials)

		raw, ok := RawFrom(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, raw.StatusCode)
		assert.Contains(t, string(raw.Body), "invalid_client")
		assert.Equal(t, raw, c.LastResponse())
	})

	t.Run("NetworkError", func(t *testing.T) {
		c := newClient(t)
		c.httpClient.Transport = MockRoundTripperWithError(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})

		_, err := c.Authorize(context.Background())
		assert.ErrorIs(t, err, ErrCommunication)
		_, ok := RawFrom(err)
		assert.False(t, ok)
	})
}

func TestClient_LazyRefresh(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start

	var calls []string
	c := newClient(t)
	c.now = func() time.Time { return now }
	c.httpClient.Transport = MockRoundTripper(func(req *http.Request) *http.Response {
		calls = append(calls, req.URL.Path)
		if req.URL.Path == authorizePath {
			return jsonResponse(http.StatusOK, `{"access_token":"tok","token_type":"bearer","expires_in":10}`)
		}
		return jsonResponse(http.StatusOK, `{"orders":[{"orderId":"X1","status":"PENDING","totalAmount":"1250"}],"status":{"statusCode":"SUCCESS"}}`)
	})

	_, err := c.Authorize(context.Background())
	require.NoError(t, err)
	calls = nil

	t.Run("StillFreshAtThreeSeconds", func(t *testing.T) {
		now = start.Add(3 * time.Second)

		_, err := c.OrderInfo(context.Background(), "X1")
		require.NoError(t, err)
		assert.Equal(t, []string{"/api/v2_1/orders/X1"}, calls)
		calls = nil
	})

	t.Run("RenewedAtSixSeconds", func(t *testing.T) {
		now = start.Add(6 * time.Second)

		_, err := c.OrderInfo(context.Background(), "X1")
		require.NoError(t, err)
		assert.Equal(t, []string{authorizePath, "/api/v2_1/orders/X1"}, calls)
		assert.Equal(t, start.Add(16*time.Second), c.currentSession().ExpiresAt)
	})
}

func TestClient_ConcurrentRefreshCollapses(t *testing.T) {
	var authorizations, orders atomic.Int32
	c := newClient(t)
	c.httpClient.Transport = MockRoundTripper(func(req *http.Request) *http.Response {
		if req.URL.Path == authorizePath {
			authorizations.Add(1)
			time.Sleep(50 * time.Millisecond)
			return jsonResponse(http.StatusOK, tokenBody)
		}
		orders.Add(1)
		assert.Equal(t, "Bearer 3e5cac39-7e38-4139-8fd6-30adc06a61bd", req.Header.Get("Authorization"))
		return jsonResponse(http.StatusOK, `{"orders":[],"status":{"statusCode":"SUCCESS"}}`)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.OrderInfo(context.Background(), "X1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), authorizations.Load())
	assert.Equal(t, int32(20), orders.Load())
}

func TestClient_CreateOrder(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var requests int
		c := newTestClient(t, func(req *http.Request) *http.Response {
			requests++
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, "https://secure.snd.payu.com/api/v2_1/orders", req.URL.String())
			assert.Equal(t, "Bearer 3e5cac39-7e38-4139-8fd6-30adc06a61bd", req.Header.Get("Authorization"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, "web", req.Header.Get("X-Channel"))

			body := readJSON(t, req)
			assert.Equal(t, "1250", body["totalAmount"])
			assert.Equal(t, "EUR", body["currencyCode"])
			assert.Equal(t, "145227", body["merchantPosId"])
			assert.Equal(t, "127.0.0.1", body["customerIp"])
			assert.Equal(t, "Payment order", body["description"])
			assert.Equal(t, "pay-1", body["extOrderId"])
			assert.Equal(t, "web", body["X-Channel"])
			assert.Equal(t, map[string]any{"invoiceDisabled": "true"}, body["settings"])
			assert.NotContains(t, body, "buyer")
			assert.NotContains(t, body, "notifyUrl")
			assert.Equal(t, []any{
				map[string]any{"name": "Total order", "unitPrice": "1250", "quantity": "1"},
			}, body["products"])

			resp := jsonResponse(http.StatusFound, `{"orderId":"X1","status":"PENDING","redirectUri":"https://merch-prod.snd.payu.com/pay/?orderId=X1"}`)
			resp.Header.Set("Location", "https://merch-prod.snd.payu.com/pay/?orderId=X1")
			return resp
		})

		resp, err := c.CreateOrder(context.Background(), OrderRequest{
			ExtOrderID:   "pay-1",
			CurrencyCode: "eur",
			TotalAmount:  decimal.RequireFromString("12.50"),
			Buyer:        &Buyer{FirstName: "Jan"},
		}, WithExtra("X-Channel", "web"))

		require.NoError(t, err)
		assert.Equal(t, 1, requests)
		assert.Equal(t, "X1", resp.OrderID)
		assert.Equal(t, "PENDING", resp.Status.StatusCode)
		assert.Equal(t, "https://merch-prod.snd.payu.com/pay/?orderId=X1", resp.RedirectURI)
		assert.Equal(t, http.StatusFound, c.LastResponse().StatusCode)
	})

	t.Run("ExplicitProductsAndBuyer", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			body := readJSON(t, req)
			assert.Equal(t, "3000", body["totalAmount"])
			assert.Equal(t, "https://shop.example.com/payments/pay-2/callback", body["notifyUrl"])
			assert.Equal(t, map[string]any{"email": "jan@example.com", "firstName": "Jan"}, body["buyer"])
			assert.Equal(t, []any{
				map[string]any{"name": "Book", "unitPrice": "1000", "quantity": "2"},
				map[string]any{"name": "Pen", "unitPrice": "1000", "quantity": "1"},
			}, body["products"])
			return jsonResponse(http.StatusCreated, `{"orderId":"X2","status":{"statusCode":"SUCCESS"}}`)
		})

		resp, err := c.CreateOrder(context.Background(), OrderRequest{
			ExtOrderID:   "pay-2",
			CurrencyCode: "PLN",
			TotalAmount:  decimal.NewFromInt(30),
			NotifyURL:    "https://shop.example.com/payments/pay-2/callback",
			Buyer:        &Buyer{Email: "jan@example.com", FirstName: "Jan"},
			Products: []Product{
				{Name: "Book", UnitPrice: decimal.NewFromInt(10), Quantity: 2},
				{Name: "Pen", UnitPrice: decimal.NewFromInt(10), Quantity: 1},
			},
		})
		require.NoError(t, err)
		assert.True(t, resp.Status.Success())
	})

	t.Run("Rejected", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusBadRequest, `{"status":{"statusCode":"ERROR_VALUE_MISSING","statusDesc":"Missing required field"}}`)
		})

		_, err := c.CreateOrder(context.Background(), OrderRequest{
			ExtOrderID:   "pay-1",
			CurrencyCode: "EUR",
			TotalAmount:  decimal.RequireFromString("12.50"),
		})
		assert.ErrorIs(t, err, ErrLockFailure)
		raw, ok := RawFrom(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	})

	t.Run("TooPrecise", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			t.Fatalf("unexpected request to %s", req.URL)
			return nil
		})

		_, err := c.CreateOrder(context.Background(), OrderRequest{
			ExtOrderID:   "pay-1",
			CurrencyCode: "EUR",
			TotalAmount:  decimal.RequireFromString("12.505"),
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.ErrorIs(t, err, money.ErrPrecision)
	})

	t.Run("MissingExtOrderID", func(t *testing.T) {
		c := newTestClient(t, nil)
		_, err := c.CreateOrder(context.Background(), OrderRequest{CurrencyCode: "EUR"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestClient_Refund(t *testing.T) {
	t.Run("Partial", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, "POST", req.Method)
			assert.Equal(t, "/api/v2_1/orders/X1/refunds", req.URL.Path)
			assert.Equal(t, map[string]any{
				"orderId": "X1",
				"refund":  map[string]any{"description": "Refund", "amount": "500"},
			}, readJSON(t, req))
			return jsonResponse(http.StatusOK, `{"orderId":"X1","refund":{"refundId":"R1","amount":"500","currencyCode":"EUR","status":"PENDING"},"status":{"statusCode":"SUCCESS"}}`)
		})

		amount := decimal.NewFromInt(5)
		resp, err := c.Refund(context.Background(), "X1", &amount, "")
		require.NoError(t, err)
		assert.Equal(t, "R1", resp.Refund.RefundID)
		assert.True(t, decimal.NewFromInt(5).Equal(resp.Refund.Amount))
		assert.Equal(t, RefundPending, resp.Refund.Status)
	})

	t.Run("Full", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, map[string]any{
				"orderId": "X1",
				"refund":  map[string]any{"description": "Damaged"},
			}, readJSON(t, req))
			return jsonResponse(http.StatusOK, `{"orderId":"X1","refund":{"refundId":"R2","amount":"1250","status":"PENDING"}}`)
		})

		resp, err := c.Refund(context.Background(), "X1", nil, "Damaged")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("12.50").Equal(resp.Refund.Amount))
	})

	t.Run("Rejected", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusBadRequest, `{"status":{"statusCode":"ERROR"}}`)
		})

		_, err := c.Refund(context.Background(), "X1", nil, "")
		assert.ErrorIs(t, err, ErrRefundFailure)
	})
}

func TestClient_CancelOrder(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, "DELETE", req.Method)
			assert.Equal(t, "/api/v2_1/orders/X1", req.URL.Path)
			return jsonResponse(http.StatusOK, `{"orderId":"X1","extOrderId":"pay-1","status":{"statusCode":"SUCCESS"}}`)
		})

		resp, err := c.CancelOrder(context.Background(), "X1")
		require.NoError(t, err)
		assert.True(t, resp.Status.Success())
	})

	t.Run("Failure", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusInternalServerError, `oops`)
		})

		_, err := c.CancelOrder(context.Background(), "X1")
		assert.ErrorIs(t, err, ErrGateway)
	})
}

func TestClient_Capture(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, "PUT", req.Method)
			assert.Equal(t, "/api/v2_1/orders/X1/status", req.URL.Path)
			assert.Equal(t, map[string]any{"orderId": "X1", "orderStatus": "COMPLETED"}, readJSON(t, req))
			return jsonResponse(http.StatusOK, `{"status":{"statusCode":"SUCCESS","statusDesc":"Status was updated"}}`)
		})

		resp, err := c.Capture(context.Background(), "X1")
		require.NoError(t, err)
		assert.True(t, resp.Status.Success())
		assert.Equal(t, "Status was updated", resp.Status.StatusDesc)
	})

	t.Run("Rejected", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusForbidden, `{}`)
		})

		_, err := c.Capture(context.Background(), "X1")
		assert.ErrorIs(t, err, ErrChargeFailure)
	})
}

func TestClient_OrderInfo(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, "GET", req.Method)
			return jsonResponse(http.StatusOK, `{
				"orders": [{
					"orderId": "X1",
					"extOrderId": "pay-1",
					"currencyCode": "EUR",
					"totalAmount": "1250",
					"status": "WAITING_FOR_CONFIRMATION",
					"products": [{"name": "Total order", "unitPrice": "1250", "quantity": "1"}]
				}],
				"status": {"statusCode": "SUCCESS"}
			}`)
		})

		resp, err := c.OrderInfo(context.Background(), "X1")
		require.NoError(t, err)

		order, ok := resp.Order()
		require.True(t, ok)
		assert.Equal(t, OrderWaitingForConfirmation, order.Status)
		assert.True(t, decimal.RequireFromString("12.50").Equal(order.TotalAmount))
		require.Len(t, order.Products, 1)
		assert.True(t, decimal.RequireFromString("12.50").Equal(order.Products[0].UnitPrice))
		assert.Equal(t, Quantity(1), order.Products[0].Quantity)
	})

	t.Run("NotFound", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			return jsonResponse(http.StatusNotFound, `{"status":{"statusCode":"DATA_NOT_FOUND"}}`)
		})

		_, err := c.OrderInfo(context.Background(), "X404")
		assert.ErrorIs(t, err, ErrCommunication)
		var re *ResponseError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "order_info", re.Op)
		assert.Equal(t, http.StatusNotFound, re.Raw.StatusCode)
	})

	t.Run("NetworkError", func(t *testing.T) {
		c := newClient(t)
		c.httpClient.Transport = MockRoundTripperWithError(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path == authorizePath {
				return jsonResponse(http.StatusOK, tokenBody), nil
			}
			return nil, errors.New("connection reset")
		})

		_, err := c.OrderInfo(context.Background(), "X1")
		assert.ErrorIs(t, err, ErrCommunication)
	})

	t.Run("EscapesOrderID", func(t *testing.T) {
		c := newTestClient(t, func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/v2_1/orders/a%2Fb", req.URL.EscapedPath())
			return jsonResponse(http.StatusOK, `{"orders":[]}`)
		})

		resp, err := c.OrderInfo(context.Background(), "a/b")
		require.NoError(t, err)
		_, ok := resp.Order()
		assert.False(t, ok)
	})
}

func TestClient_ShopInfo(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) *http.Response {
		assert.Equal(t, "/api/v2_1/shops/SHOP1", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"shopId":"SHOP1","name":"Shop","currencyCode":"PLN","balance":{"currencyCode":"PLN","total":"10050","available":"9999"}}`)
	})

	shop, err := c.ShopInfo(context.Background(), "SHOP1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.50").Equal(shop.Balance.Total))
	assert.True(t, decimal.RequireFromString("99.99").Equal(shop.Balance.Available))
}

func TestParseNotification(t *testing.T) {
	t.Run("Order", func(t *testing.T) {
		n, err := ParseNotification([]byte(`{"order":{"orderId":"X1","extOrderId":"pay-1","status":"COMPLETED","totalAmount":"1250"}}`))
		require.NoError(t, err)
		require.NotNil(t, n.Order)
		assert.Equal(t, OrderCompleted, n.Order.Status)
		assert.Equal(t, "X1", n.GatewayOrderID())
		assert.Equal(t, "pay-1", n.ExternalOrderID())
	})

	t.Run("Refund", func(t *testing.T) {
		n, err := ParseNotification([]byte(`{"orderId":"X1","extOrderId":"pay-1","refund":{"status":"FINALIZED","amount":500}}`))
		require.NoError(t, err)
		require.NotNil(t, n.Refund)
		assert.Equal(t, RefundFinalized, n.Refund.Status)
		assert.True(t, decimal.NewFromInt(5).Equal(n.Refund.Amount))
		assert.Equal(t, "X1", n.GatewayOrderID())
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ParseNotification([]byte(`{}`))
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ParseNotification([]byte(`{"order":`))
		assert.Error(t, err)
	})
}

func TestResponseStatus_UnmarshalJSON(t *testing.T) {
	var plain, object OrderResponse
	require.NoError(t, json.Unmarshal([]byte(`{"status":"PENDING"}`), &plain))
	require.NoError(t, json.Unmarshal([]byte(`{"status":{"statusCode":"SUCCESS","statusDesc":"ok"}}`), &object))

	assert.Equal(t, "PENDING", plain.Status.StatusCode)
	assert.False(t, plain.Status.Success())
	assert.True(t, object.Status.Success())
	assert.Equal(t, "ok", object.Status.StatusDesc)
}

func TestQuantity_JSON(t *testing.T) {
	t.Run("Marshal", func(t *testing.T) {
		out, err := json.Marshal(Product{Name: "Book", UnitPrice: decimal.NewFromInt(1250), Quantity: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Book","unitPrice":"1250","quantity":"2"}`, string(out))
	})

	for name, raw := range map[string]string{
		"String":  `"3"`,
		"Number":  `3`,
		"Decimal": `3.0`,
	} {
		t.Run(name, func(t *testing.T) {
			var q Quantity
			require.NoError(t, json.Unmarshal([]byte(raw), &q))
			assert.Equal(t, Quantity(3), q)
		})
	}

	t.Run("Fraction", func(t *testing.T) {
		var q Quantity
		assert.Error(t, json.Unmarshal([]byte(`1.5`), &q))
	})

	t.Run("NotificationProducts", func(t *testing.T) {
		n, err := ParseNotification([]byte(`{"order":{"orderId":"X1","status":"COMPLETED","products":[{"name":"Book","unitPrice":"1250","quantity":1}]}}`))
		require.NoError(t, err)
		require.Len(t, n.Order.Products, 1)
		assert.Equal(t, Quantity(1), n.Order.Products[0].Quantity)
		assert.True(t, decimal.RequireFromString("12.50").Equal(n.Order.Products[0].UnitPrice))
	})
}

func TestSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Session{TokenType: "BEARER", AccessToken: "abc", ExpiresAt: now.Add(10 * time.Second)}

	assert.Equal(t, "Bearer abc", s.Authorization())
	assert.False(t, s.Stale(now.Add(4*time.Second)))
	assert.True(t, s.Stale(now.Add(5*time.Second)))
	assert.True(t, Session{}.Stale(now))
}
