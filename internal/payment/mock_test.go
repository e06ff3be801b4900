package payment

import (
	"context"
	"encoding/json"
	"sync"

	"payu-gateway/internal/payu"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// ----------------- MockGateway -----------------

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateOrder(ctx context.Context, req payu.OrderRequest, opts ...payu.RequestOption) (*payu.OrderResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*payu.OrderResponse)
	return resp, args.Error(1)
}

func (m *MockGateway) Refund(ctx context.Context, orderID string, amount *decimal.Decimal, description string, opts ...payu.RequestOption) (*payu.RefundResponse, error) {
	args := m.Called(ctx, orderID, amount, description)
	resp, _ := args.Get(0).(*payu.RefundResponse)
	return resp, args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.StatusResponse, error) {
	args := m.Called(ctx, orderID)
	resp, _ := args.Get(0).(*payu.StatusResponse)
	return resp, args.Error(1)
}

func (m *MockGateway) Capture(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.StatusResponse, error) {
	args := m.Called(ctx, orderID)
	resp, _ := args.Get(0).(*payu.StatusResponse)
	return resp, args.Error(1)
}

func (m *MockGateway) OrderInfo(ctx context.Context, orderID string, opts ...payu.RequestOption) (*payu.OrderInfoResponse, error) {
	args := m.Called(ctx, orderID)
	resp, _ := args.Get(0).(*payu.OrderInfoResponse)
	return resp, args.Error(1)
}

func (m *MockGateway) ShopInfo(ctx context.Context, shopID string, opts ...payu.RequestOption) (*payu.ShopInfo, error) {
	args := m.Called(ctx, shopID)
	resp, _ := args.Get(0).(*payu.ShopInfo)
	return resp, args.Error(1)
}

// ----------------- memRepository -----------------

// memRepository keeps payments in memory. WithLock serializes callers the way
// the row lock does and only stores the payment when fn succeeds.
type memRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]Payment

	webhooks  map[string]int64
	processed map[int64]bool
	failed    map[int64]string
	nextID    int64
}

func newMemRepository(payments ...*Payment) *memRepository {
	r := &memRepository{
		payments:  map[uuid.UUID]Payment{},
		webhooks:  map[string]int64{},
		processed: map[int64]bool{},
		failed:    map[int64]string{},
	}
	for _, p := range payments {
		r.payments[p.ID] = *p
	}
	return r
}

func (r *memRepository) Create(ctx context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = *p
	return nil
}

func (r *memRepository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// stored returns the persisted copy.
func (r *memRepository) stored(id uuid.UUID) Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments[id]
}

func (r *memRepository) WithLock(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.run(p, fn)
}

func (r *memRepository) WithLockByExternalID(ctx context.Context, backend, externalID string, fn func(p *Payment) error) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if externalID != "" && p.Backend == backend && p.ExternalID == externalID {
			return r.run(p, fn)
		}
	}
	return nil, ErrNotFound
}

func (r *memRepository) run(p Payment, fn func(p *Payment) error) (*Payment, error) {
	if err := fn(&p); err != nil {
		return nil, err
	}
	r.payments[p.ID] = p
	return &p, nil
}

func (r *memRepository) SavePaymentWebhook(ctx context.Context, provider, eventID, eventType, externalID string, payload json.RawMessage, signatureValid bool) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + "/" + eventID
	if id, ok := r.webhooks[key]; ok {
		return id, r.processed[id], nil
	}
	r.nextID++
	r.webhooks[key] = r.nextID
	return r.nextID, false, nil
}

func (r *memRepository) MarkWebhookProcessed(ctx context.Context, webhookID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[webhookID] = true
	return nil
}

func (r *memRepository) MarkWebhookFailed(ctx context.Context, webhookID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[webhookID] = reason
	return nil
}
