package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of an order.
type Status string

// remember to add new statuses to the transitions table
const (
	StatusDraft      Status = "draft"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// transitions is the complete edge set of the order state machine. Delivered
// and Cancelled are terminal.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; !ok {
		return "", errors.Errorf("unknown order status %q", s)
	}
	return status, nil
}

// Statuses returns every known status.
func Statuses() []Status {
	result := make([]Status, 0, len(transitions))
	for status := range transitions {
		result = append(result, status)
	}
	return result
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether status has no outgoing edges.
func Terminal(status Status) bool {
	return len(transitions[status]) == 0
}

// InvalidTransitionError reports an attempted transition outside the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
