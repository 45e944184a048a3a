package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for order commands.
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrCannotBeModified    = errors.New("order can only be modified in draft status")
	ErrCannotBeCancelled   = errors.New("order can no longer be cancelled")
	ErrEmptyItems          = errors.New("order requires at least one item")
	ErrTooManyItems        = errors.New("order exceeds the maximum item count")
	ErrBelowMinimumAmount  = errors.New("order subtotal is below the minimum order amount")
	ErrOrderNumberTaken    = errors.New("order number already taken")
	ErrKeyAlreadyUsed      = errors.New("idempotency key already bound to an order")
	ErrStaleOrder          = errors.New("order was modified concurrently")
	ErrConcurrentOperation = errors.New("concurrent operation detected")
)

// DuplicateSkuError reports a SKU appearing more than once in one item list.
type DuplicateSkuError struct {
	Sku string
}

func (e *DuplicateSkuError) Error() string {
	return fmt.Sprintf("duplicate sku %q in order items", e.Sku)
}

// ValidationError reports a statically invalid command field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
