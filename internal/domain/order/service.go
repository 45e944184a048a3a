package order

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/ordercore/internal/domain/idempotency"
)

const (
	// maxMutationAttempts bounds the re-read/re-apply loop after a stale
	// concurrent write to the same order.
	maxMutationAttempts = 3

	// duplicateCreateAttempts bounds how long a duplicate-create loser waits
	// for the winner's finalize before falling back to loading the order.
	duplicateCreateAttempts = 5
	duplicateCreateBackoff  = 20 * time.Millisecond

	resourceTypeOrder = "order"

	defaultTransitionReason = "status changed"
)

// Replay carries a cached response to reproduce verbatim.
type Replay struct {
	Status int
	Body   []byte
}

// Result is the outcome of a processed command: either a freshly computed
// view or a replay of a previously cached response, never both.
type Result struct {
	View   *OrderView
	Replay *Replay
}

// Arbiter is the slice of the idempotency arbiter the processor depends on.
type Arbiter interface {
	Arbitrate(ctx context.Context, key, userID, method, path string) (idempotency.Decision, error)
	Finalize(ctx context.Context, p idempotency.FinalizeParams) (idempotency.Record, error)
}

var _ Arbiter = (*idempotency.Arbiter)(nil)

// Service is the order command processor. Every mutating command runs the
// same pipeline: static validation, idempotency arbitration, aggregate
// mutation inside one atomic repository write, then finalization of the
// response snapshot. Failures are returned as typed errors and are never
// cached.
type Service struct {
	orders  Repository
	arbiter Arbiter
	now     func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithClock overrides the service time source, primarily for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the command processor with its injected collaborators.
func NewService(orders Repository, arbiter Arbiter, opts ...ServiceOption) *Service {
	s := &Service{
		orders:  orders,
		arbiter: arbiter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrder loads a single aggregate for its owner. Reads bypass arbitration.
func (s *Service) GetOrder(ctx context.Context, orderID string, userID string) (*OrderView, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}
	o, err := s.orders.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return NewOrderView(o), nil
}

// CreateOrder processes the create command: find-or-create the customer,
// generate a unique order number (bounded retry on collision), persist the
// aggregate with its synthetic created history row, and cache the response.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	res, reclaimed, err := s.arbitrate(ctx, cmd.Meta)
	if err != nil || res != nil {
		return res, err
	}

	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		o, buildErr := s.buildOrder(cmd)
		if buildErr != nil {
			return nil, buildErr
		}

		err = s.orders.Create(ctx, o)
		switch {
		case errors.Is(err, ErrOrderNumberTaken):
			continue
		case errors.Is(err, ErrKeyAlreadyUsed):
			return s.resolveDuplicateCreate(ctx, cmd.Meta, reclaimed)
		case err != nil:
			return nil, errors.Wrap(err, "persist order")
		}

		return s.finalize(ctx, cmd.Meta, http.StatusCreated, o)
	}

	return nil, errors.Wrap(ErrOrderNumberTaken, "order number generation exhausted")
}

// UpdateOrder edits a draft order, wholesale-replacing items when provided,
// and recomputes totals. Non-draft orders are rejected.
func (s *Service) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	return s.mutate(ctx, cmd.Meta, cmd.OrderID, func(o *Order) error {
		if !o.CanBeModified() {
			return ErrCannotBeModified
		}
		s.applyUpdate(o, cmd)

		o.RecomputeTotals()
		if o.Total.IsNegative() {
			return &ValidationError{Field: "discount", Reason: "exceeds the order total"}
		}
		if o.Subtotal.LessThan(minOrderAmount) {
			return ErrBelowMinimumAmount
		}
		o.UpdatedAt = s.now().UTC()
		return nil
	}, s.orders.Update)
}

// CancelOrder applies the user-facing cancel guard and transitions the order
// to Cancelled.
func (s *Service) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (*Result, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}

	return s.transition(ctx, cmd.Meta, cmd.OrderID, func(o *Order) (StatusHistory, error) {
		if !o.CanBeCancelled() {
			return StatusHistory{}, ErrCannotBeCancelled
		}
		return s.applyStatus(o, StatusCancelled, cmd.Meta, reason, cmd.Notes), nil
	})
}

// ChangeStatus is the administrative transition path, guarded only by the
// state-machine table.
func (s *Service) ChangeStatus(ctx context.Context, cmd ChangeStatusCommand) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = defaultTransitionReason
	}

	return s.transition(ctx, cmd.Meta, cmd.OrderID, func(o *Order) (StatusHistory, error) {
		if !CanTransition(o.Status, cmd.ToStatus) {
			return StatusHistory{}, &InvalidTransitionError{From: o.Status, To: cmd.ToStatus}
		}
		return s.applyStatus(o, cmd.ToStatus, cmd.Meta, reason, cmd.Notes), nil
	})
}

// AddTracking sets the tracking number without changing status; the audit
// trail records it as a self-transition.
func (s *Service) AddTracking(ctx context.Context, cmd AddTrackingCommand) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	return s.transition(ctx, cmd.Meta, cmd.OrderID, func(o *Order) (StatusHistory, error) {
		now := s.now().UTC()
		o.TrackingNumber = cmd.TrackingNumber
		o.UpdatedAt = now
		return StatusHistory{
			ID:              uuid.New(),
			OrderID:         o.ID,
			FromStatus:      o.Status,
			ToStatus:        o.Status,
			Reason:          "tracking number added",
			Notes:           cmd.TrackingNumber,
			ChangedByUserID: cmd.Meta.UserID,
			CorrelationID:   cmd.Meta.CorrelationID,
			CreatedAt:       now,
		}, nil
	})
}

// --- pipeline internals ---

// arbitrate runs step 2 of the pipeline. A nil result means proceed; the
// second return reports that an expired record was reclaimed on the way.
func (s *Service) arbitrate(ctx context.Context, meta Meta) (*Result, bool, error) {
	if meta.IdempotencyKey == "" {
		return nil, false, nil
	}

	dec, err := s.arbiter.Arbitrate(ctx, meta.IdempotencyKey, meta.UserID, meta.HTTPMethod, meta.RequestPath)
	if err != nil {
		return nil, false, err
	}
	if !dec.Replay {
		return nil, dec.Reclaimed, nil
	}
	return &Result{Replay: &Replay{
		Status: dec.Record.ResponseStatus,
		Body:   dec.Record.ResponseBody,
	}}, false, nil
}

// finalize serializes the freshly mutated aggregate and caches it under the
// command's key. When a concurrent duplicate finalized first, the stored
// snapshot wins and this caller's result is replaced by a replay. A finalize
// failure after the order write committed is logged, not surfaced: the
// mutation succeeded and nothing was cached, so a client retry re-arbitrates
// cleanly.
func (s *Service) finalize(ctx context.Context, meta Meta, status int, o *Order) (*Result, error) {
	view := NewOrderView(o)
	if meta.IdempotencyKey == "" {
		return &Result{View: view}, nil
	}

	body, err := json.Marshal(view)
	if err != nil {
		return nil, errors.Wrap(err, "serialize order view")
	}

	rec, err := s.arbiter.Finalize(ctx, idempotency.FinalizeParams{
		Key:            meta.IdempotencyKey,
		UserID:         meta.UserID,
		HTTPMethod:     meta.HTTPMethod,
		RequestPath:    meta.RequestPath,
		ResponseStatus: status,
		ResponseBody:   body,
		ResourceID:     o.ID.String(),
		ResourceType:   resourceTypeOrder,
		CorrelationID:  meta.CorrelationID,
	})
	if err != nil {
		zctx.From(ctx).Warn("Finalize failed after committed mutation",
			zap.String("order_id", o.ID.String()),
			zap.Error(err))
		return &Result{View: view}, nil
	}

	if !bytes.Equal(rec.ResponseBody, body) {
		return &Result{Replay: &Replay{Status: rec.ResponseStatus, Body: rec.ResponseBody}}, nil
	}
	return &Result{View: view}, nil
}

// resolveDuplicateCreate handles the two ways a create can trip over an
// existing order holding its key. In the concurrent race, another in-flight
// request has committed its order but not yet finalized: wait briefly for the
// winner's record, then fall back to loading the winner's order. When
// arbitration just reclaimed an expired record there is no winner in flight
// to wait for, so the wait is skipped and the existing order is served
// directly. Either way the loaded state is re-finalized so retries under the
// key replay instead of repeating this resolution.
func (s *Service) resolveDuplicateCreate(ctx context.Context, meta Meta, reclaimed bool) (*Result, error) {
	if !reclaimed {
		for attempt := 0; attempt < duplicateCreateAttempts; attempt++ {
			if res, _, err := s.arbitrate(ctx, meta); err != nil || res != nil {
				return res, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(duplicateCreateBackoff):
			}
		}
	}

	o, err := s.orders.GetByIdempotencyKey(ctx, meta.IdempotencyKey, meta.UserID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, ErrConcurrentOperation
	}
	if err != nil {
		return nil, errors.Wrap(err, "load order by idempotency key")
	}
	return s.finalize(ctx, meta, http.StatusCreated, o)
}

// mutate runs the arbitrate → load → apply → CAS-write pipeline for header
// edits, re-reading and re-applying the guard on a stale write.
func (s *Service) mutate(
	ctx context.Context,
	meta Meta,
	orderID string,
	apply func(*Order) error,
	write func(context.Context, *Order) error,
) (*Result, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}

	for attempt := 0; attempt < maxMutationAttempts; attempt++ {
		if res, _, err := s.arbitrate(ctx, meta); err != nil || res != nil {
			return res, err
		}

		o, err := s.orders.Get(ctx, id, meta.UserID)
		if err != nil {
			return nil, err
		}
		if err := apply(o); err != nil {
			return nil, err
		}

		err = write(ctx, o)
		if errors.Is(err, ErrStaleOrder) {
			// Lost the per-order race: re-arbitrate (the winner may have
			// finalized our key) and re-apply against fresh state.
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "persist order mutation")
		}
		return s.finalize(ctx, meta, http.StatusOK, o)
	}

	return nil, ErrConcurrentOperation
}

// transition is mutate specialised for status-affecting commands, which must
// persist exactly one history row atomically with the order write.
func (s *Service) transition(
	ctx context.Context,
	meta Meta,
	orderID string,
	apply func(*Order) (StatusHistory, error),
) (*Result, error) {
	var entry StatusHistory
	return s.mutate(ctx, meta, orderID,
		func(o *Order) error {
			var err error
			entry, err = apply(o)
			if err != nil {
				return err
			}
			o.History = append(o.History, entry)
			return nil
		},
		func(ctx context.Context, o *Order) error {
			return s.orders.Transition(ctx, o, entry)
		},
	)
}

// applyStatus mutates the aggregate for a status change: sets the new
// status, stamps the transition-specific timestamp, and returns the history
// row to persist alongside.
func (s *Service) applyStatus(o *Order, to Status, meta Meta, reason, notes string) StatusHistory {
	now := s.now().UTC()
	from := o.Status
	o.Status = to
	o.UpdatedAt = now

	switch to {
	case StatusShipped:
		o.ShippedAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	}

	return StatusHistory{
		ID:              uuid.New(),
		OrderID:         o.ID,
		FromStatus:      from,
		ToStatus:        to,
		Reason:          reason,
		Notes:           notes,
		ChangedByUserID: meta.UserID,
		CorrelationID:   meta.CorrelationID,
		CreatedAt:       now,
	}
}

// applyUpdate copies the present update fields onto the draft aggregate.
func (s *Service) applyUpdate(o *Order, cmd UpdateOrderCommand) {
	if cmd.CustomerName != nil {
		o.Customer.Name = *cmd.CustomerName
	}
	if cmd.CustomerPhone != nil {
		o.Customer.Phone = *cmd.CustomerPhone
	}
	if cmd.ShippingAddress != nil {
		o.ShippingAddress = *cmd.ShippingAddress
	}
	if cmd.Instructions != nil {
		o.SpecialInstructions = *cmd.Instructions
	}
	if cmd.Tax != nil {
		o.Tax = *cmd.Tax
	}
	if cmd.Shipping != nil {
		o.Shipping = *cmd.Shipping
	}
	if cmd.Discount != nil {
		o.Discount = *cmd.Discount
	}
	if cmd.Items != nil {
		o.Items = buildItems(cmd.Items)
	}
}

// buildOrder assembles a fresh draft aggregate from the create command.
func (s *Service) buildOrder(cmd CreateOrderCommand) (*Order, error) {
	now := s.now().UTC()

	o := &Order{
		ID:          uuid.New(),
		OrderNumber: NewOrderNumber(now),
		UserID:      cmd.Meta.UserID,
		Customer: Customer{
			ID:        uuid.New(),
			Email:     cmd.CustomerEmail,
			Name:      cmd.CustomerName,
			Phone:     cmd.CustomerPhone,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status:              StatusDraft,
		Currency:            cmd.Currency,
		Tax:                 cmd.Tax,
		Shipping:            cmd.Shipping,
		Discount:            cmd.Discount,
		Items:               buildItems(cmd.Items),
		ShippingAddress:     cmd.ShippingAddress,
		SpecialInstructions: cmd.Instructions,
		IdempotencyKey:      cmd.Meta.IdempotencyKey,
		CorrelationID:       cmd.Meta.CorrelationID,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	o.CustomerID = o.Customer.ID

	o.RecomputeTotals()
	if o.Total.IsNegative() {
		return nil, &ValidationError{Field: "discount", Reason: "exceeds the order total"}
	}

	created := StatusHistory{
		ID:              uuid.New(),
		OrderID:         o.ID,
		FromStatus:      StatusDraft,
		ToStatus:        StatusDraft,
		Reason:          "order created",
		ChangedByUserID: cmd.Meta.UserID,
		CorrelationID:   cmd.Meta.CorrelationID,
		CreatedAt:       now,
	}
	o.History = append(o.History, created)

	return o, nil
}

func buildItems(inputs []ItemInput) []Item {
	items := make([]Item, len(inputs))
	for i, in := range inputs {
		items[i] = Item{
			ID:             uuid.New(),
			ProductSku:     in.ProductSku,
			ProductName:    in.ProductName,
			Variant:        in.Variant,
			Quantity:       in.Quantity,
			UnitPrice:      in.UnitPrice.Round(2),
			DiscountAmount: in.DiscountAmount.Round(2),
			LineTotal:      lineTotal(in.UnitPrice, in.Quantity, in.DiscountAmount),
		}
	}
	return items
}
