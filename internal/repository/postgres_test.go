package repository_test

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/ordercore/internal/domain/order"
	"github.com/xenking/ordercore/internal/repository"
)

// startPostgres launches a disposable PostgreSQL container and returns a
// migrated connection pool for it.
func startPostgres(ctx context.Context) (testcontainers.Container, *pgxpool.Pool, error) {
	container, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("ordercore"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("starting postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container, nil, fmt.Errorf("resolving connection string: %w", err)
	}

	pool, err := repository.NewPool(ctx, connStr)
	if err != nil {
		return container, nil, err
	}

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return container, pool, err
	}

	return container, pool, nil
}

// dbNow returns the reference time used for persisted rows: UTC and truncated
// to PostgreSQL's microsecond precision so round-tripped values compare equal.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func randomItem() order.Item {
	price := decimal.NewFromFloat(gofakeit.Price(1, 200)).Round(2)
	qty := gofakeit.Number(1, 5)
	return order.Item{
		ID:             uuid.New(),
		ProductSku:     gofakeit.LetterN(12),
		ProductName:    gofakeit.ProductName(),
		Variant:        gofakeit.Color(),
		Quantity:       qty,
		UnitPrice:      price,
		DiscountAmount: decimal.Zero,
		LineTotal:      price.Mul(decimal.NewFromInt(int64(qty))).Round(2),
	}
}

func randomOrder(userID string) *order.Order {
	now := dbNow()
	o := &order.Order{
		ID:          uuid.New(),
		OrderNumber: order.NewOrderNumber(now),
		UserID:      userID,
		Customer: order.Customer{
			ID:        uuid.New(),
			Email:     gofakeit.Email(),
			Name:      gofakeit.Name(),
			Phone:     gofakeit.Phone(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status:   order.StatusDraft,
		Currency: "USD",
		Tax:      decimal.NewFromFloat(1.50),
		Shipping: decimal.NewFromFloat(4.99),
		Discount: decimal.Zero,
		Items:    []order.Item{randomItem(), randomItem()},
		ShippingAddress: order.Address{
			Line1:      gofakeit.Street(),
			City:       gofakeit.City(),
			State:      gofakeit.StateAbr(),
			PostalCode: gofakeit.Zip(),
			Country:    "US",
		},
		IdempotencyKey: gofakeit.LetterN(24),
		CorrelationID:  gofakeit.UUID(),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	o.CustomerID = o.Customer.ID
	o.RecomputeTotals()

	o.History = []order.StatusHistory{{
		ID:              uuid.New(),
		OrderID:         o.ID,
		FromStatus:      order.StatusDraft,
		ToStatus:        order.StatusDraft,
		Reason:          "order created",
		ChangedByUserID: userID,
		CorrelationID:   o.CorrelationID,
		CreatedAt:       now,
	}}

	return o
}
