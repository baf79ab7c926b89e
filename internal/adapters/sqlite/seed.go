package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
)

// CreateOrder inserts an order on behalf of the commerce system and
// returns its id. Line items, when present, are stored alongside it.
func (s *Store) CreateOrder(ctx context.Context, o domain.Order, lines ...domain.LineItem) (int64, error) {
	var id int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		fingerprints := o.Payment.Fingerprints
		if fingerprints == nil {
			fingerprints = []string{}
		}
		encoded, err := json.Marshal(fingerprints)
		if err != nil {
			return fmt.Errorf("encode fingerprints: %w", err)
		}
		needsProc := 0
		if o.NeedsProcessing {
			needsProc = 1
		}
		var paidAt any
		if o.PaidAt != nil {
			paidAt = o.PaidAt.UTC().Format(time.RFC3339Nano)
		}

		res, err := s.db.Q(ctx).ExecContext(ctx, `INSERT INTO orders
				(number, customer_id, currency, total, status, payment_method,
				 transaction_ref, paid_at, needs_processing, checkout_reference,
				 payfac_reference, capture_mode, pending_action, fingerprints,
				 last_webhook)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.Number, o.CustomerID, o.Currency, o.Total.String(), string(o.Status),
			o.PaymentMethod, o.TransactionRef, paidAt, needsProc,
			o.Payment.CheckoutReference, o.Payment.PayfacReference,
			string(o.Payment.CaptureMode), string(o.Payment.PendingAction),
			string(encoded), o.Payment.LastWebhook)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for _, line := range lines {
			if _, err := s.db.Q(ctx).ExecContext(ctx,
				`INSERT INTO order_lines (order_id, name, amount) VALUES (?, ?, ?)`,
				id, line.Name, line.Amount); err != nil {
				return fmt.Errorf("create order line: %w", err)
			}
		}
		return nil
	})
	return id, err
}

// CreateSubscription inserts a subscription tied to an order.
func (s *Store) CreateSubscription(ctx context.Context, orderID int64, status string) (int64, error) {
	res, err := s.db.Q(ctx).ExecContext(ctx,
		`INSERT INTO subscriptions (order_id, status) VALUES (?, ?)`, orderID, status)
	if err != nil {
		return 0, fmt.Errorf("create subscription: %w", err)
	}
	return res.LastInsertId()
}

// Notes lists an order's audit notes in insertion order.
func (s *Store) Notes(ctx context.Context, orderID int64) ([]string, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx,
		`SELECT note FROM order_notes WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order notes: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// Refunds lists an order's refund records.
func (s *Store) Refunds(ctx context.Context, orderID int64) ([]domain.RefundRecord, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx, `SELECT id, order_id, amount, currency,
			reason, externally_refunded, lines, created_at
		FROM order_refunds WHERE order_id = ? ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	var refunds []domain.RefundRecord
	for rows.Next() {
		var (
			r         domain.RefundRecord
			amount    string
			external  int64
			lines     string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &amount, &r.Currency, &r.Reason,
			&external, &lines, &createdAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse refund amount %q: %w", amount, err)
		}
		r.Amount = d
		r.ExternallyRefunded = external != 0
		if err := json.Unmarshal([]byte(lines), &r.Lines); err != nil {
			return nil, fmt.Errorf("parse refund lines: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse refund created_at: %w", err)
		}
		r.CreatedAt = t
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}
