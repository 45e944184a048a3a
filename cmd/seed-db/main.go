// Command seed-db prepares a development database: it runs migrations, seeds
// an API key, and generates a handful of fake orders.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/ordercore/internal/domain/auth"
	"github.com/xenking/ordercore/internal/domain/order"
	"github.com/xenking/ordercore/internal/repository"
)

const upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, user_id, name, scopes, active)
	VALUES ($1, $2, $3, $4, $5, TRUE)
	ON CONFLICT (key_hash) DO UPDATE SET scopes = EXCLUDED.scopes, active = TRUE`

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
		orderCount   int
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or ORDERCORE_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERCORE_API_KEY_PEPPER env)")
	flag.IntVar(&orderCount, "orders", 10, "number of fake orders to generate")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("ORDERCORE_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or ORDERCORE_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERCORE_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper, orderCount); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string, orderCount int) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	userID, err := seedAPIKey(ctx, pool, apiKey, pepper)
	if err != nil {
		return errors.Wrap(err, "seed api key")
	}

	if err := seedOrders(ctx, pool, userID, orderCount); err != nil {
		return errors.Wrap(err, "seed orders")
	}

	return nil
}

// seedAPIKey upserts the development key and returns the user it belongs to.
func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) (string, error) {
	slog.Info("seeding API key")

	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	keyHash := hex.EncodeToString(mac.Sum(nil))

	userID := "dev-user"
	scopes := []string{auth.ScopeOrdersWrite, auth.ScopeOrdersAdmin}

	if _, err := pool.Exec(ctx, upsertAPIKeySQL,
		uuid.New(), keyHash, userID, "Development key", scopes,
	); err != nil {
		return "", errors.Wrap(err, "upsert api key")
	}

	slog.Info("upserted API key", slog.String("user_id", userID))
	return userID, nil
}

func seedOrders(ctx context.Context, pool *pgxpool.Pool, userID string, count int) error {
	slog.Info("seeding fake orders", slog.Int("count", count))

	repo := repository.NewOrderRepository(pool)
	for i := 0; i < count; i++ {
		o := fakeOrder(userID)
		if err := repo.Create(ctx, o); err != nil {
			return errors.Wrapf(err, "create order %s", o.OrderNumber)
		}
		slog.Info("created order",
			slog.String("number", o.OrderNumber),
			slog.String("customer", o.Customer.Email),
			slog.String("total", o.Total.String()),
		)
	}
	return nil
}

func fakeOrder(userID string) *order.Order {
	now := time.Now().UTC()

	items := make([]order.Item, gofakeit.Number(1, 4))
	for i := range items {
		price := decimal.NewFromFloat(gofakeit.Price(2, 150)).Round(2)
		qty := gofakeit.Number(1, 3)
		items[i] = order.Item{
			ID:          uuid.New(),
			ProductSku:  gofakeit.LetterN(12),
			ProductName: gofakeit.ProductName(),
			Variant:     gofakeit.Color(),
			Quantity:    qty,
			UnitPrice:   price,
			LineTotal:   price.Mul(decimal.NewFromInt(int64(qty))).Round(2),
		}
	}

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
		Tax:      decimal.NewFromFloat(gofakeit.Price(0, 10)).Round(2),
		Shipping: decimal.NewFromFloat(gofakeit.Price(0, 15)).Round(2),
		Discount: decimal.Zero,
		Items:    items,
		ShippingAddress: order.Address{
			Line1:      gofakeit.Street(),
			City:       gofakeit.City(),
			State:      gofakeit.StateAbr(),
			PostalCode: gofakeit.Zip(),
			Country:    "US",
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
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
		CreatedAt:       now,
	}}

	return o
}
