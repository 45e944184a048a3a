package order

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	// maxItems is the largest item list accepted by create and update.
	maxItems = 100
)

// minOrderAmount is the smallest accepted subtotal ($1.00).
var minOrderAmount = decimal.NewFromInt(1)

// Meta carries the request context every command needs for idempotency
// arbitration and auditing. IdempotencyKey may be empty: commands without a
// key execute without replay protection.
type Meta struct {
	UserID         string
	IdempotencyKey string
	HTTPMethod     string
	RequestPath    string
	CorrelationID  string
}

// ItemInput is one requested line item.
type ItemInput struct {
	ProductSku     string
	ProductName    string
	Variant        string
	Quantity       int
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
}

// CreateOrderCommand creates a new draft order for a customer.
type CreateOrderCommand struct {
	Meta Meta

	CustomerEmail string
	CustomerName  string
	CustomerPhone string

	Currency        string
	ShippingAddress Address
	Instructions    string

	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal

	Items []ItemInput
}

// UpdateOrderCommand edits a draft order. Nil pointers leave the
// corresponding field untouched; a non-nil Items slice wholesale-replaces
// the item collection.
type UpdateOrderCommand struct {
	Meta    Meta
	OrderID string

	CustomerName  *string
	CustomerPhone *string

	ShippingAddress *Address
	Instructions    *string

	Tax      *decimal.Decimal
	Shipping *decimal.Decimal
	Discount *decimal.Decimal

	Items []ItemInput
}

// CancelOrderCommand cancels an order through the user-facing guard.
type CancelOrderCommand struct {
	Meta    Meta
	OrderID string
	Reason  string
	Notes   string
}

// ChangeStatusCommand is the administrative transition path, guarded only by
// the raw state machine.
type ChangeStatusCommand struct {
	Meta     Meta
	OrderID  string
	ToStatus Status
	Reason   string
	Notes    string
}

// AddTrackingCommand sets the tracking number without changing status.
type AddTrackingCommand struct {
	Meta           Meta
	OrderID        string
	TrackingNumber string
}

// Validate performs the static checks that must fail before any storage is
// touched.
func (c CreateOrderCommand) Validate() error {
	if strings.TrimSpace(c.CustomerEmail) == "" {
		return &ValidationError{Field: "customer_email", Reason: "must not be empty"}
	}
	if err := validateCurrency(c.Currency); err != nil {
		return err
	}
	if err := validateCharges(c.Tax, c.Shipping, c.Discount); err != nil {
		return err
	}
	return validateItems(c.Items)
}

// Validate checks the statically checkable parts of an update.
func (c UpdateOrderCommand) Validate() error {
	if c.Tax != nil || c.Shipping != nil || c.Discount != nil {
		tax, shipping, discount := decimal.Zero, decimal.Zero, decimal.Zero
		if c.Tax != nil {
			tax = *c.Tax
		}
		if c.Shipping != nil {
			shipping = *c.Shipping
		}
		if c.Discount != nil {
			discount = *c.Discount
		}
		if err := validateCharges(tax, shipping, discount); err != nil {
			return err
		}
	}
	if c.Items != nil {
		return validateItems(c.Items)
	}
	return nil
}

// Validate rejects unknown target statuses up front; the transition guard
// itself runs against the freshly loaded order.
func (c ChangeStatusCommand) Validate() error {
	if _, err := ParseStatus(string(c.ToStatus)); err != nil {
		return &ValidationError{Field: "status", Reason: err.Error()}
	}
	return nil
}

// Validate checks the tracking number is present.
func (c AddTrackingCommand) Validate() error {
	if strings.TrimSpace(c.TrackingNumber) == "" {
		return &ValidationError{Field: "tracking_number", Reason: "must not be empty"}
	}
	return nil
}

func validateItems(items []ItemInput) error {
	if len(items) == 0 {
		return ErrEmptyItems
	}
	if len(items) > maxItems {
		return ErrTooManyItems
	}

	seen := make(map[string]struct{}, len(items))
	subtotal := decimal.Zero
	for _, item := range items {
		sku := strings.TrimSpace(item.ProductSku)
		if sku == "" {
			return &ValidationError{Field: "product_sku", Reason: "must not be empty"}
		}
		if _, dup := seen[sku]; dup {
			return &DuplicateSkuError{Sku: sku}
		}
		seen[sku] = struct{}{}

		if item.Quantity < 1 {
			return &ValidationError{Field: "quantity", Reason: "must be at least 1"}
		}
		if !item.UnitPrice.IsPositive() {
			return &ValidationError{Field: "unit_price", Reason: "must be greater than 0"}
		}
		if item.DiscountAmount.IsNegative() {
			return &ValidationError{Field: "discount_amount", Reason: "must not be negative"}
		}

		line := lineTotal(item.UnitPrice, item.Quantity, item.DiscountAmount)
		if line.IsNegative() {
			return &ValidationError{Field: "discount_amount", Reason: "exceeds the item line total"}
		}
		subtotal = subtotal.Add(line)
	}

	if subtotal.LessThan(minOrderAmount) {
		return ErrBelowMinimumAmount
	}
	return nil
}

func validateCurrency(code string) error {
	if _, err := currency.ParseISO(code); err != nil {
		return &ValidationError{Field: "currency", Reason: "must be a valid ISO 4217 code"}
	}
	return nil
}

func validateCharges(tax, shipping, discount decimal.Decimal) error {
	switch {
	case tax.IsNegative():
		return &ValidationError{Field: "tax", Reason: "must not be negative"}
	case shipping.IsNegative():
		return &ValidationError{Field: "shipping", Reason: "must not be negative"}
	case discount.IsNegative():
		return &ValidationError{Field: "discount", Reason: "must not be negative"}
	}
	return nil
}
