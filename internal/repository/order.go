package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ordercore/internal/domain/order"
)

const (
	upsertCustomerSQL = `INSERT INTO customers (id, email, name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name, phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	insertOrderSQL = `INSERT INTO orders (id, order_number, user_id, customer_id,
		status, currency, subtotal, tax, shipping, discount, total,
		shipping_address, tracking_number, special_instructions,
		idempotency_key, correlation_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19)`

	insertItemSQL = `INSERT INTO order_items (id, order_id, product_sku, product_name,
		variant, quantity, unit_price, discount_amount, line_total, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	deleteItemsSQL = `DELETE FROM order_items WHERE order_id = $1`

	insertHistorySQL = `INSERT INTO order_status_history (id, order_id, from_status,
		to_status, reason, notes, changed_by_user_id, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getOrderSQL = `SELECT o.id, o.order_number, o.user_id, o.customer_id, o.status,
		o.currency, o.subtotal, o.tax, o.shipping, o.discount, o.total,
		o.shipping_address, o.tracking_number, o.special_instructions,
		COALESCE(o.idempotency_key, ''), o.correlation_id, o.version,
		o.created_at, o.updated_at, o.shipped_at, o.delivered_at, o.cancelled_at,
		c.id, c.email, c.name, c.phone, c.created_at, c.updated_at
		FROM orders o JOIN customers c ON c.id = o.customer_id`

	getOrderByIDSQL  = getOrderSQL + ` WHERE o.id = $1 AND o.user_id = $2`
	getOrderByKeySQL = getOrderSQL + ` WHERE o.idempotency_key = $1 AND o.user_id = $2`

	listItemsSQL = `SELECT id, product_sku, product_name, variant, quantity,
		unit_price, discount_amount, line_total
		FROM order_items WHERE order_id = $1 ORDER BY position`

	listHistorySQL = `SELECT id, order_id, from_status, to_status, reason, notes,
		changed_by_user_id, correlation_id, created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`

	updateOrderSQL = `UPDATE orders SET customer_id = $1, currency = $2,
		subtotal = $3, tax = $4, shipping = $5, discount = $6, total = $7,
		shipping_address = $8, special_instructions = $9, updated_at = $10,
		version = version + 1
		WHERE id = $11 AND user_id = $12 AND version = $13`

	transitionOrderSQL = `UPDATE orders SET status = $1, tracking_number = $2,
		updated_at = $3, shipped_at = $4, delivered_at = $5, cancelled_at = $6,
		version = version + 1
		WHERE id = $7 AND user_id = $8 AND version = $9`

	orderVersionSQL = `SELECT version FROM orders WHERE id = $1 AND user_id = $2`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Every
// multi-row write runs in one transaction so the header, items, history, and
// customer stay consistent.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the whole aggregate plus its history rows. Customers are
// found-or-created by email, so the aggregate's customer ID is rewritten to
// the row that actually owns the address.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	err = inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := upsertCustomer(ctx, tx, o); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.OrderNumber, o.UserID, o.CustomerID,
			o.Status, o.Currency, o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total,
			addr, o.TrackingNumber, o.SpecialInstructions,
			nilIfEmpty(o.IdempotencyKey), o.CorrelationID, o.Version,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "orders_order_number_key") {
				return order.ErrOrderNumberTaken
			}
			if isUniqueViolation(err, "orders_user_idempotency_key") {
				return order.ErrKeyAlreadyUsed
			}
			return fmt.Errorf("inserting order: %w", err)
		}

		if err := insertItems(ctx, tx, o.ID, o.Items); err != nil {
			return err
		}

		for _, entry := range o.History {
			if err := insertHistory(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, order.ErrOrderNumberTaken) || errors.Is(err, order.ErrKeyAlreadyUsed) {
			return err
		}
		return fmt.Errorf("creating order %q: %w", o.OrderNumber, err)
	}
	return nil
}

// Get loads the aggregate for the given owner. Returns order.ErrOrderNotFound
// when absent or owned by another user.
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID, userID string) (*order.Order, error) {
	return r.getOrder(ctx, getOrderByIDSQL, id, userID)
}

// GetByIdempotencyKey resolves the order created under key, if any.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key, userID string) (*order.Order, error) {
	return r.getOrder(ctx, getOrderByKeySQL, key, userID)
}

func (r *OrderRepository) getOrder(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}

	itemRows, err := r.pool.Query(ctx, listItemsSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}
	if o.Items, err = pgx.CollectRows(itemRows, scanItem); err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}

	historyRows, err := r.pool.Query(ctx, listHistorySQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("listing order history: %w", err)
	}
	if o.History, err = pgx.CollectRows(historyRows, scanHistory); err != nil {
		return nil, fmt.Errorf("listing order history: %w", err)
	}

	return &o, nil
}

// Update rewrites the draft-editable header fields, replaces the item
// collection, and refreshes the customer row, all compare-and-swapped on the
// version the order was loaded with.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	err = inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := upsertCustomer(ctx, tx, o); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, updateOrderSQL,
			o.CustomerID, o.Currency,
			o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total,
			addr, o.SpecialInstructions, o.UpdatedAt,
			o.ID, o.UserID, o.Version,
		)
		if err != nil {
			return fmt.Errorf("updating order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return casFailure(ctx, tx, o)
		}

		if _, err := tx.Exec(ctx, deleteItemsSQL, o.ID); err != nil {
			return fmt.Errorf("clearing order items: %w", err)
		}
		return insertItems(ctx, tx, o.ID, o.Items)
	})
	if err != nil {
		if errors.Is(err, order.ErrStaleOrder) || errors.Is(err, order.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}

	o.Version++
	return nil
}

// Transition writes the status fields together with exactly one history row,
// compare-and-swapped on the loaded version.
func (r *OrderRepository) Transition(ctx context.Context, o *order.Order, entry order.StatusHistory) error {
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, transitionOrderSQL,
			o.Status, o.TrackingNumber,
			o.UpdatedAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt,
			o.ID, o.UserID, o.Version,
		)
		if err != nil {
			return fmt.Errorf("transitioning order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return casFailure(ctx, tx, o)
		}
		return insertHistory(ctx, tx, entry)
	})
	if err != nil {
		if errors.Is(err, order.ErrStaleOrder) || errors.Is(err, order.ErrOrderNotFound) {
			return err
		}
		return fmt.Errorf("transitioning order %q: %w", o.ID, err)
	}

	o.Version++
	return nil
}

// casFailure distinguishes a lost version race from a missing order after a
// compare-and-swap matched no rows.
func casFailure(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	var version int64
	err := tx.QueryRow(ctx, orderVersionSQL, o.ID, o.UserID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("checking order version: %w", err)
	}
	return order.ErrStaleOrder
}

func upsertCustomer(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	err := tx.QueryRow(ctx, upsertCustomerSQL,
		o.Customer.ID, o.Customer.Email, o.Customer.Name, o.Customer.Phone, o.Customer.UpdatedAt,
	).Scan(&o.Customer.ID, &o.Customer.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting customer %q: %w", o.Customer.Email, err)
	}
	o.CustomerID = o.Customer.ID
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, items []order.Item) error {
	batch := &pgx.Batch{}
	for i, item := range items {
		batch.Queue(insertItemSQL,
			item.ID, orderID, item.ProductSku, item.ProductName, item.Variant,
			item.Quantity, item.UnitPrice, item.DiscountAmount, item.LineTotal, i,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting order items: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, entry order.StatusHistory) error {
	_, err := tx.Exec(ctx, insertHistorySQL,
		entry.ID, entry.OrderID, entry.FromStatus, entry.ToStatus,
		entry.Reason, entry.Notes, entry.ChangedByUserID, entry.CorrelationID,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting status history: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o    order.Order
		addr []byte
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.CustomerID, &o.Status,
		&o.Currency, &o.Subtotal, &o.Tax, &o.Shipping, &o.Discount, &o.Total,
		&addr, &o.TrackingNumber, &o.SpecialInstructions,
		&o.IdempotencyKey, &o.CorrelationID, &o.Version,
		&o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt,
		&o.Customer.ID, &o.Customer.Email, &o.Customer.Name, &o.Customer.Phone,
		&o.Customer.CreatedAt, &o.Customer.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if len(addr) > 0 {
		if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
			return o, fmt.Errorf("unmarshaling shipping address: %w", err)
		}
	}
	return o, nil
}

func scanItem(row pgx.CollectableRow) (order.Item, error) {
	var item order.Item
	err := row.Scan(
		&item.ID, &item.ProductSku, &item.ProductName, &item.Variant,
		&item.Quantity, &item.UnitPrice, &item.DiscountAmount, &item.LineTotal,
	)
	return item, err
}

func scanHistory(row pgx.CollectableRow) (order.StatusHistory, error) {
	var entry order.StatusHistory
	err := row.Scan(
		&entry.ID, &entry.OrderID, &entry.FromStatus, &entry.ToStatus,
		&entry.Reason, &entry.Notes, &entry.ChangedByUserID, &entry.CorrelationID,
		&entry.CreatedAt,
	)
	return entry, err
}

// nilIfEmpty maps an absent idempotency key to NULL so unkeyed orders do not
// collide on the partial unique index.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
