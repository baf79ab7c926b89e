package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/db"
)

// Store implements the order, subscription, and token collaborator
// contracts on SQLite. It stands in for the surrounding commerce system's
// storage in this deployment.
type Store struct {
	db *db.Database
}

// NewStore wraps the shared database connection.
func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

const orderColumns = `id, number, customer_id, currency, total, status, payment_method,
	transaction_ref, paid_at, needs_processing, checkout_reference, payfac_reference,
	capture_mode, pending_action, fingerprints, last_failure, last_webhook`

// Get returns the order with its payment sub-record.
func (s *Store) Get(ctx context.Context, id int64) (domain.Order, error) {
	row := s.db.Q(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetByNumber resolves an order by its merchant reference.
func (s *Store) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	row := s.db.Q(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE number = ?`, number)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (domain.Order, error) {
	var (
		o            domain.Order
		total        string
		paidAt       sql.NullString
		needsProc    int64
		fingerprints string
		lastFailure  sql.NullString
	)
	err := row.Scan(&o.ID, &o.Number, &o.CustomerID, &o.Currency, &total, &o.Status,
		&o.PaymentMethod, &o.TransactionRef, &paidAt, &needsProc,
		&o.Payment.CheckoutReference, &o.Payment.PayfacReference,
		&o.Payment.CaptureMode, &o.Payment.PendingAction,
		&fingerprints, &lastFailure, &o.Payment.LastWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	o.Total, err = decimal.NewFromString(total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse order total %q: %w", total, err)
	}
	o.NeedsProcessing = needsProc != 0
	if paidAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, paidAt.String)
		if err != nil {
			return domain.Order{}, fmt.Errorf("parse paid_at: %w", err)
		}
		o.PaidAt = &t
	}
	if err := json.Unmarshal([]byte(fingerprints), &o.Payment.Fingerprints); err != nil {
		return domain.Order{}, fmt.Errorf("parse fingerprints: %w", err)
	}
	if lastFailure.Valid && lastFailure.String != "" {
		var f domain.FailureRecord
		if err := json.Unmarshal([]byte(lastFailure.String), &f); err != nil {
			return domain.Order{}, fmt.Errorf("parse last_failure: %w", err)
		}
		o.Payment.LastFailure = &f
	}
	return o, nil
}

// SavePayment persists the payment sub-record.
func (s *Store) SavePayment(ctx context.Context, id int64, p domain.PaymentRecord) error {
	fingerprints, err := json.Marshal(p.Fingerprints)
	if err != nil {
		return fmt.Errorf("encode fingerprints: %w", err)
	}
	var lastFailure any
	if p.LastFailure != nil {
		raw, err := json.Marshal(p.LastFailure)
		if err != nil {
			return fmt.Errorf("encode last_failure: %w", err)
		}
		lastFailure = string(raw)
	}

	res, err := s.db.Q(ctx).ExecContext(ctx, `UPDATE orders SET
			checkout_reference = ?, payfac_reference = ?, capture_mode = ?,
			pending_action = ?, fingerprints = ?, last_failure = ?, last_webhook = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		p.CheckoutReference, p.PayfacReference, string(p.CaptureMode),
		string(p.PendingAction), string(fingerprints), lastFailure, p.LastWebhook, id)
	if err != nil {
		return fmt.Errorf("save payment record: %w", err)
	}
	return requireRow(res)
}

// SetStatus transitions the order status and appends the note.
func (s *Store) SetStatus(ctx context.Context, id int64, status domain.OrderStatus, note string) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		res, err := s.db.Q(ctx).ExecContext(ctx, `UPDATE orders SET status = ?,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
			string(status), id)
		if err != nil {
			return fmt.Errorf("set order status: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if note == "" {
			return nil
		}
		return s.AddNote(ctx, id, note)
	})
}

// AddNote appends a human-readable audit note.
func (s *Store) AddNote(ctx context.Context, id int64, note string) error {
	_, err := s.db.Q(ctx).ExecContext(ctx,
		`INSERT INTO order_notes (order_id, note) VALUES (?, ?)`, id, note)
	if err != nil {
		return fmt.Errorf("add order note: %w", err)
	}
	return nil
}

// MarkPaid records the payment-complete side effect exactly once. The
// guard is the paid_at column: an already-paid order is left untouched and
// reported as false.
func (s *Store) MarkPaid(ctx context.Context, id int64, transactionRef string) (bool, error) {
	res, err := s.db.Q(ctx).ExecContext(ctx, `UPDATE orders SET
			paid_at = ?,
			transaction_ref = ?,
			status = CASE WHEN needs_processing != 0 THEN 'processing' ELSE 'completed' END,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ? AND paid_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), transactionRef, id)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RefundedTotal sums the order's refund records in major units.
func (s *Store) RefundedTotal(ctx context.Context, id int64) (decimal.Decimal, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx,
		`SELECT amount FROM order_refunds WHERE order_id = ?`, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query refunds: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse refund amount %q: %w", amount, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// LineItems lists the order lines in minor units.
func (s *Store) LineItems(ctx context.Context, id int64) ([]domain.LineItem, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx,
		`SELECT name, amount FROM order_lines WHERE order_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.Name, &it.Amount); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateRefund persists a compensating refund record with its mirrored
// line items.
func (s *Store) CreateRefund(ctx context.Context, r domain.RefundRecord) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return fmt.Errorf("encode refund lines: %w", err)
	}
	externallyRefunded := 0
	if r.ExternallyRefunded {
		externallyRefunded = 1
	}
	_, err = s.db.Q(ctx).ExecContext(ctx, `INSERT INTO order_refunds
			(id, order_id, amount, currency, reason, externally_refunded, lines, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrderID, r.Amount.String(), r.Currency, r.Reason,
		externallyRefunded, string(lines), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create refund record: %w", err)
	}
	return nil
}

// ListByOrder returns the subscriptions tied to an order.
func (s *Store) ListByOrder(ctx context.Context, orderID int64) ([]domain.Subscription, error) {
	rows, err := s.db.Q(ctx).QueryContext(ctx,
		`SELECT id, order_id, status FROM subscriptions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.OrderID, &sub.Status); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Cancel transitions a subscription to cancelled and notes it on the
// parent order.
func (s *Store) Cancel(ctx context.Context, id int64, note string) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		var orderID int64
		err := s.db.Q(ctx).QueryRowContext(ctx,
			`SELECT order_id FROM subscriptions WHERE id = ?`, id).Scan(&orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return ports.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup subscription: %w", err)
		}
		if _, err := s.db.Q(ctx).ExecContext(ctx,
			`UPDATE subscriptions SET status = 'cancelled' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		if note == "" {
			return nil
		}
		return s.AddNote(ctx, orderID, note)
	})
}

// Save stores a payment token. A default token displaces the previous
// default designation for the customer and gateway; stored card data is
// never mutated.
func (s *Store) Save(ctx context.Context, t domain.PaymentToken) error {
	return s.db.InTx(ctx, func(ctx context.Context) error {
		if t.Default {
			if _, err := s.db.Q(ctx).ExecContext(ctx,
				`UPDATE payment_tokens SET is_default = 0 WHERE customer_id = ? AND gateway = ?`,
				t.CustomerID, t.Gateway); err != nil {
				return fmt.Errorf("clear default token: %w", err)
			}
		}
		isDefault, subOnly := 0, 0
		if t.Default {
			isDefault = 1
		}
		if t.SubscriptionOnly {
			subOnly = 1
		}
		_, err := s.db.Q(ctx).ExecContext(ctx, `INSERT INTO payment_tokens
				(id, customer_id, gateway, token, card_type, last4, expiry_month,
				 expiry_year, is_default, subscription_only, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.CustomerID, t.Gateway, t.Token, t.CardType, t.Last4,
			t.ExpiryMonth, t.ExpiryYear, isDefault, subOnly,
			t.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("save payment token: %w", err)
		}
		return nil
	})
}

// DefaultForCustomer returns the customer's current default token.
func (s *Store) DefaultForCustomer(ctx context.Context, customerID int64) (domain.PaymentToken, error) {
	row := s.db.Q(ctx).QueryRowContext(ctx, `SELECT id, customer_id, gateway, token,
			card_type, last4, expiry_month, expiry_year, is_default, subscription_only
		FROM payment_tokens
		WHERE customer_id = ? AND is_default = 1
		ORDER BY created_at DESC LIMIT 1`, customerID)

	var (
		t                 domain.PaymentToken
		isDefault, subOnl int64
	)
	err := row.Scan(&t.ID, &t.CustomerID, &t.Gateway, &t.Token, &t.CardType,
		&t.Last4, &t.ExpiryMonth, &t.ExpiryYear, &isDefault, &subOnl)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentToken{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.PaymentToken{}, fmt.Errorf("scan token: %w", err)
	}
	t.Default = isDefault != 0
	t.SubscriptionOnly = subOnl != 0
	return t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
