// Package order implements the order aggregate, its lifecycle state machine,
// and the idempotent command processor that orchestrates every mutation.
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is the aggregate root: the order header plus its line items and the
// append-only status history. Totals are always recomputed from the item
// collection, never stored stale.
type Order struct {
	ID          uuid.UUID
	OrderNumber string
	UserID      string
	CustomerID  uuid.UUID
	Customer    Customer

	Status   Status
	Currency string

	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal

	Items   []Item
	History []StatusHistory

	ShippingAddress     Address
	TrackingNumber      string
	SpecialInstructions string

	IdempotencyKey string
	CorrelationID  string

	// Version guards concurrent mutations of the same order: writes are
	// compare-and-swapped on it and a stale write forces a re-read.
	Version int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// Item is a line item owned exclusively by one order. Items are replaced as
// a batch while the order is in draft; they are never patched individually.
type Item struct {
	ID             uuid.UUID
	ProductSku     string
	ProductName    string
	Variant        string
	Quantity       int
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
	LineTotal      decimal.Decimal
}

// StatusHistory is one append-only audit row. A row is written atomically
// with every status change, including the synthetic created entry and the
// self-transition recorded when a tracking number is added.
type StatusHistory struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	FromStatus      Status
	ToStatus        Status
	Reason          string
	Notes           string
	ChangedByUserID string
	CorrelationID   string
	CreatedAt       time.Time
}

// Customer is identified by email: found-or-created during order creation and
// refreshed in place on every later order referencing the same email.
type Customer struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address is the shipping snapshot embedded in the order.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// lineTotal computes unit price × quantity − discount, rounded to cents.
func lineTotal(unitPrice decimal.Decimal, quantity int, discount decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Sub(discount).Round(2)
}

// RecomputeTotals recalculates Subtotal and Total from the current item
// collection and additive charges. It is pure over the aggregate state and
// must run after every mutation that touches items, tax, shipping or
// discount.
func (o *Order) RecomputeTotals() {
	subtotal := decimal.Zero
	for _, item := range o.Items {
		subtotal = subtotal.Add(item.LineTotal)
	}
	o.Subtotal = subtotal.Round(2)
	o.Total = o.Subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount).Round(2)
}

// CanBeCancelled reports whether the user-facing cancel command is allowed.
// It is stricter than the raw state machine: Processing orders can only be
// cancelled through the administrative status-change path.
func (o *Order) CanBeCancelled() bool {
	return o.Status == StatusDraft || o.Status == StatusConfirmed
}

// CanBeModified reports whether item, customer, and shipping edits are
// allowed. Only draft orders are editable.
func (o *Order) CanBeModified() bool {
	return o.Status == StatusDraft
}

// Repository persists order aggregates. Every write spanning the order
// header, items, history, and customer is one atomic unit.
type Repository interface {
	// Create persists the whole aggregate plus the synthetic created
	// history row. It returns ErrOrderNumberTaken on an order-number
	// collision and ErrKeyAlreadyUsed when another order already holds the
	// same (user, idempotency key) pair.
	Create(ctx context.Context, o *Order) error

	// Get loads the aggregate (customer, items, history) for the given
	// owner. Returns ErrOrderNotFound when absent or owned by another user.
	Get(ctx context.Context, id uuid.UUID, userID string) (*Order, error)

	// GetByIdempotencyKey resolves the order created under key, if any.
	// Returns ErrOrderNotFound when no order holds the key.
	GetByIdempotencyKey(ctx context.Context, key, userID string) (*Order, error)

	// Update rewrites the draft-editable header fields, wholesale-replaces
	// the item collection, and refreshes the customer row. The write is
	// compare-and-swapped on the version the order was loaded with;
	// ErrStaleOrder signals a lost race.
	Update(ctx context.Context, o *Order) error

	// Transition writes the order's status fields, tracking number, and
	// status timestamps together with exactly one history row, CASed on
	// the loaded version. ErrStaleOrder signals a lost race.
	Transition(ctx context.Context, o *Order, entry StatusHistory) error
}
