package order

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// OrderView is the caller-facing projection of a fully loaded aggregate. Its
// JSON encoding is what gets snapshotted into the idempotency store, so the
// field set is append-only: removing or renaming a field would change replay
// bodies.
type OrderView struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	Status      Status `json:"status"`
	Currency    string `json:"currency"`

	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`

	Customer        CustomerView  `json:"customer"`
	Items           []ItemView    `json:"items"`
	History         []HistoryView `json:"statusHistory"`
	ShippingAddress Address       `json:"shippingAddress"`

	TrackingNumber      string `json:"trackingNumber,omitempty"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
	CorrelationID       string `json:"correlationId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ShippedAt   *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// CustomerView is the customer projection embedded in order responses.
type CustomerView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ItemView is the line-item projection.
type ItemView struct {
	ProductSku     string          `json:"productSku"`
	ProductName    string          `json:"productName"`
	Variant        string          `json:"variant,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	LineTotal      decimal.Decimal `json:"lineTotal"`
}

// HistoryView is the audit-trail projection.
type HistoryView struct {
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	ChangedBy  string    `json:"changedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewOrderView projects the aggregate into its response shape.
func NewOrderView(o *Order) *OrderView {
	return &OrderView{
		ID:          o.ID.String(),
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		Currency:    o.Currency,
		Subtotal:    o.Subtotal,
		Tax:         o.Tax,
		Shipping:    o.Shipping,
		Discount:    o.Discount,
		Total:       o.Total,
		Customer: CustomerView{
			ID:    o.Customer.ID.String(),
			Email: o.Customer.Email,
			Name:  o.Customer.Name,
			Phone: o.Customer.Phone,
		},
		Items: lo.Map(o.Items, func(item Item, _ int) ItemView {
			return ItemView{
				ProductSku:     item.ProductSku,
				ProductName:    item.ProductName,
				Variant:        item.Variant,
				Quantity:       item.Quantity,
				UnitPrice:      item.UnitPrice,
				DiscountAmount: item.DiscountAmount,
				LineTotal:      item.LineTotal,
			}
		}),
		History: lo.Map(o.History, func(entry StatusHistory, _ int) HistoryView {
			return HistoryView{
				FromStatus: entry.FromStatus,
				ToStatus:   entry.ToStatus,
				Reason:     entry.Reason,
				Notes:      entry.Notes,
				ChangedBy:  entry.ChangedByUserID,
				CreatedAt:  entry.CreatedAt,
			}
		}),
		ShippingAddress:     o.ShippingAddress,
		TrackingNumber:      o.TrackingNumber,
		SpecialInstructions: o.SpecialInstructions,
		CorrelationID:       o.CorrelationID,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
		ShippedAt:           o.ShippedAt,
		DeliveredAt:         o.DeliveredAt,
		CancelledAt:         o.CancelledAt,
	}
}
