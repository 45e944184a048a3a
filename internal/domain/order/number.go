package order

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// maxNumberAttempts bounds the order-number collision retry loop. With a
// four-digit random suffix, collisions within one day are rare enough that
// running out of attempts indicates something other than bad luck.
const maxNumberAttempts = 5

// NewOrderNumber produces a human-facing order number in the form
// ORD-YYYYMMDD-NNNN. Uniqueness is enforced by the store; callers regenerate
// on ErrOrderNumberTaken.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%04d", now.UTC().Format("20060102"), rand.IntN(10000))
}
