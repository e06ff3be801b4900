package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	database "payu-gateway/internal/db"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("payment not found")

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)

	// WithLock loads the payment row FOR UPDATE, runs fn and persists the
	// mutated payment in the same transaction. An error from fn rolls back.
	WithLock(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error)
	WithLockByExternalID(ctx context.Context, backend, externalID string, fn func(p *Payment) error) (*Payment, error)

	SavePaymentWebhook(
		ctx context.Context,
		provider string,
		eventID string,
		eventType string,
		externalID string,
		payload json.RawMessage,
		signatureValid bool,
	) (webhookID int64, alreadyProcessed bool, err error)

	MarkWebhookProcessed(ctx context.Context, webhookID int64) error
	MarkWebhookFailed(ctx context.Context, webhookID int64, reason string) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const paymentColumns = `id, order_id, backend, external_id, description, currency,
		amount_required, amount_locked, amount_paid, amount_refunded,
		status, items, buyer, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p     Payment
		items []byte
		buyer []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.Backend, &p.ExternalID, &p.Description, &p.Currency,
		&p.AmountRequired, &p.AmountLocked, &p.AmountPaid, &p.AmountRefunded,
		&p.Status, &items, &buyer, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &p.Items); err != nil {
			return nil, fmt.Errorf("decode items of payment %s: %w", p.ID, err)
		}
	}
	if len(buyer) > 0 && string(buyer) != "null" {
		p.Buyer = &Buyer{}
		if err := json.Unmarshal(buyer, p.Buyer); err != nil {
			return nil, fmt.Errorf("decode buyer of payment %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func (r *repository) Create(ctx context.Context, p *Payment) error {
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	var buyer []byte
	if p.Buyer != nil {
		if buyer, err = json.Marshal(p.Buyer); err != nil {
			return err
		}
	}

	const q = `
	INSERT INTO payments (
		id, order_id, backend, external_id, description, currency,
		amount_required, amount_locked, amount_paid, amount_refunded,
		status, items, buyer
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	RETURNING created_at, updated_at;
	`

	return r.db.QueryRowContext(ctx, q,
		p.ID, p.OrderID, p.Backend, p.ExternalID, p.Description, p.Currency,
		p.AmountRequired, p.AmountLocked, p.AmountPaid, p.AmountRefunded,
		p.Status, items, buyer,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *repository) WithLock(ctx context.Context, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	return r.withLock(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, []any{id}, fn)
}

func (r *repository) WithLockByExternalID(ctx context.Context, backend, externalID string, fn func(p *Payment) error) (*Payment, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return r.withLock(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE backend = $1 AND external_id = $2 FOR UPDATE`,
		[]any{backend, externalID}, fn)
}

func (r *repository) withLock(ctx context.Context, query string, args []any, fn func(p *Payment) error) (*Payment, error) {
	var locked *Payment
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		p, err := scanPayment(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := update(ctx, tx, p); err != nil {
			return err
		}
		locked = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

func update(ctx context.Context, tx *sql.Tx, p *Payment) error {
	const q = `
	UPDATE payments
	SET external_id = $2,
		status = $3,
		amount_locked = $4,
		amount_paid = $5,
		amount_refunded = $6,
		updated_at = now()
	WHERE id = $1
	RETURNING updated_at;
	`

	err := tx.QueryRowContext(ctx, q,
		p.ID, p.ExternalID, p.Status, p.AmountLocked, p.AmountPaid, p.AmountRefunded,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return nil
}

// SavePaymentWebhook journals a delivery. A redelivery of a known event bumps
// its attempt counter and reports whether it was already processed.
func (r *repository) SavePaymentWebhook(
	ctx context.Context,
	provider string,
	eventID string,
	eventType string,
	externalID string,
	payload json.RawMessage,
	signatureValid bool,
) (int64, bool, error) {

	const q = `
	INSERT INTO payment_webhooks (
		provider,
		event_type,
		event_id,
		external_id,
		signature_valid,
		payload
	)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (provider, event_id)
	DO UPDATE SET attempts = payment_webhooks.attempts + 1
	RETURNING id, processed_at IS NOT NULL;
	`

	var (
		id        int64
		processed bool
	)
	err := r.db.QueryRowContext(
		ctx,
		q,
		provider,
		eventType,
		eventID,
		externalID,
		signatureValid,
		payload,
	).Scan(&id, &processed)
	if err != nil {
		return 0, false, err
	}

	return id, processed, nil
}

func (r *repository) MarkWebhookProcessed(
	ctx context.Context,
	webhookID int64,
) error {

	const q = `
	UPDATE payment_webhooks
	SET processed_at = now(), process_error = NULL
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, webhookID)
	return err
}

func (r *repository) MarkWebhookFailed(
	ctx context.Context,
	webhookID int64,
	reason string,
) error {

	const q = `
	UPDATE payment_webhooks
	SET process_error = $2
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, webhookID, reason)
	return err
}
