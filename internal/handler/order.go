package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xenking/ordercore/internal/domain/order"
	"github.com/xenking/ordercore/pkg/httpmiddleware"
)

// maxBodyBytes bounds request bodies; order payloads are small.
const maxBodyBytes = 1 << 20

type customerPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type itemPayload struct {
	ProductSku     string          `json:"productSku"`
	ProductName    string          `json:"productName"`
	Variant        string          `json:"variant"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

type createOrderRequest struct {
	Customer            customerPayload `json:"customer"`
	Currency            string          `json:"currency"`
	ShippingAddress     order.Address   `json:"shippingAddress"`
	SpecialInstructions string          `json:"specialInstructions"`
	Tax                 decimal.Decimal `json:"tax"`
	Shipping            decimal.Decimal `json:"shipping"`
	Discount            decimal.Decimal `json:"discount"`
	Items               []itemPayload   `json:"items"`
}

type updateOrderRequest struct {
	CustomerName        *string          `json:"customerName"`
	CustomerPhone       *string          `json:"customerPhone"`
	ShippingAddress     *order.Address   `json:"shippingAddress"`
	SpecialInstructions *string          `json:"specialInstructions"`
	Tax                 *decimal.Decimal `json:"tax"`
	Shipping            *decimal.Decimal `json:"shipping"`
	Discount            *decimal.Decimal `json:"discount"`
	Items               []itemPayload    `json:"items"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type addTrackingRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

// meta assembles the command metadata from the authenticated identity and
// request headers. The idempotency key is read from the Idempotency-Key
// header, falling back to the idempotency_key query parameter.
func meta(r *http.Request) order.Meta {
	m := order.Meta{
		HTTPMethod:    r.Method,
		RequestPath:   r.URL.Path,
		CorrelationID: httpmiddleware.RequestIDFromContext(r.Context()),
	}
	if info, ok := IdentityFromContext(r.Context()); ok {
		m.UserID = info.UserID
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = r.URL.Query().Get("idempotency_key")
	}
	m.IdempotencyKey = key

	return m
}

// decode reads the JSON body into v.
func decode(r *http.Request, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func toItemInputs(items []itemPayload) []order.ItemInput {
	inputs := make([]order.ItemInput, len(items))
	for i, item := range items {
		inputs[i] = order.ItemInput{
			ProductSku:     item.ProductSku,
			ProductName:    item.ProductName,
			Variant:        item.Variant,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DiscountAmount: item.DiscountAmount,
		}
	}
	return inputs
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.orders.CreateOrder(r.Context(), order.CreateOrderCommand{
		Meta:            meta(r),
		CustomerEmail:   req.Customer.Email,
		CustomerName:    req.Customer.Name,
		CustomerPhone:   req.Customer.Phone,
		Currency:        req.Currency,
		ShippingAddress: req.ShippingAddress,
		Instructions:    req.SpecialInstructions,
		Tax:             req.Tax,
		Shipping:        req.Shipping,
		Discount:        req.Discount,
		Items:           toItemInputs(req.Items),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res)
}

// GetOrder handles GET /orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.orders.GetOrder(r.Context(), orderID(r), meta(r).UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateOrder handles PUT /orders/{orderID}.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd := order.UpdateOrderCommand{
		Meta:            meta(r),
		OrderID:         orderID(r),
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		ShippingAddress: req.ShippingAddress,
		Instructions:    req.SpecialInstructions,
		Tax:             req.Tax,
		Shipping:        req.Shipping,
		Discount:        req.Discount,
	}
	if req.Items != nil {
		cmd.Items = toItemInputs(req.Items)
	}

	res, err := h.orders.UpdateOrder(r.Context(), cmd)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// CancelOrder handles POST /orders/{orderID}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := h.orders.CancelOrder(r.Context(), order.CancelOrderCommand{
		Meta:    meta(r),
		OrderID: orderID(r),
		Reason:  req.Reason,
		Notes:   req.Notes,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// ChangeStatus handles POST /orders/{orderID}/status.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.orders.ChangeStatus(r.Context(), order.ChangeStatusCommand{
		Meta:     meta(r),
		OrderID:  orderID(r),
		ToStatus: order.Status(req.Status),
		Reason:   req.Reason,
		Notes:    req.Notes,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// AddTracking handles POST /orders/{orderID}/tracking.
func (h *Handler) AddTracking(w http.ResponseWriter, r *http.Request) {
	var req addTrackingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.orders.AddTracking(r.Context(), order.AddTrackingCommand{
		Meta:           meta(r),
		OrderID:        orderID(r),
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}
