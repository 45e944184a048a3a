package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ordercore/internal/domain/auth"
	"github.com/xenking/ordercore/internal/domain/idempotency"
	"github.com/xenking/ordercore/internal/domain/order"
	"github.com/xenking/ordercore/internal/handler"
	"github.com/xenking/ordercore/pkg/httpmiddleware"
)

// fakeOrderRepo is a minimal in-memory order.Repository with the same
// conflict semantics as the PostgreSQL implementation.
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order
	byKey  map[string]uuid.UUID
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{
		orders: make(map[uuid.UUID]*order.Order),
		byKey:  make(map[string]uuid.UUID),
	}
}

func scoped(userID, key string) string { return userID + "|" + key }

func clone(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	cp.History = append([]order.StatusHistory(nil), o.History...)
	return &cp
}

func (r *fakeOrderRepo) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.IdempotencyKey != "" {
		if _, used := r.byKey[scoped(o.UserID, o.IdempotencyKey)]; used {
			return order.ErrKeyAlreadyUsed
		}
		r.byKey[scoped(o.UserID, o.IdempotencyKey)] = o.ID
	}
	r.orders[o.ID] = clone(o)
	return nil
}

func (r *fakeOrderRepo) Get(_ context.Context, id uuid.UUID, userID string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok || o.UserID != userID {
		return nil, order.ErrOrderNotFound
	}
	return clone(o), nil
}

func (r *fakeOrderRepo) GetByIdempotencyKey(_ context.Context, key, userID string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKey[scoped(userID, key)]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return clone(r.orders[id]), nil
}

func (r *fakeOrderRepo) cas(o *order.Order) error {
	cur, ok := r.orders[o.ID]
	if !ok || cur.UserID != o.UserID {
		return order.ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return order.ErrStaleOrder
	}
	o.Version++
	r.orders[o.ID] = clone(o)
	return nil
}

func (r *fakeOrderRepo) Update(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(o)
}

func (r *fakeOrderRepo) Transition(_ context.Context, o *order.Order, _ order.StatusHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cas(o)
}

var errKeyNotFound = errors.New("api key not found")

// fakeKeyRepo resolves every hash to the same test identity, echoing back the
// queried hash so the constant-time comparison passes.
type fakeKeyRepo struct {
	userID string
	scopes []string
	reject bool
}

func (r *fakeKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if r.reject {
		return nil, errKeyNotFound
	}
	return &auth.APIKeyInfo{
		ID:      "test-key",
		KeyHash: hash,
		UserID:  r.userID,
		Scopes:  r.scopes,
	}, nil
}

type env struct {
	server *httptest.Server
	keys   *fakeKeyRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()

	keys := &fakeKeyRepo{
		userID: "user-1",
		scopes: []string{auth.ScopeOrdersWrite, auth.ScopeOrdersAdmin},
	}
	svc := order.NewService(
		newFakeOrderRepo(),
		idempotency.NewArbiter(idempotency.NewMemoryStore()),
	)
	h := handler.NewHandler(svc, handler.NewSecurity(keys, []byte("test-pepper")))

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", h.Routes()))

	server := httptest.NewServer(httpmiddleware.Wrap(mux, httpmiddleware.RequestID()))
	t.Cleanup(server.Close)

	return &env{server: server, keys: keys}
}

func (e *env) do(t *testing.T, method, path, idemKey string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-api-key")
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func validCreateBody() map[string]any {
	return map[string]any{
		"customer": map[string]any{
			"email": "jo@example.com",
			"name":  "Jo Smith",
		},
		"currency": "USD",
		"shippingAddress": map[string]any{
			"line1":       "1 Main St",
			"city":        "Springfield",
			"postal_code": "12345",
			"country":     "US",
		},
		"tax":      "1.50",
		"shipping": "4.99",
		"items": []map[string]any{
			{"productSku": "SKU-1", "productName": "Widget", "quantity": 2, "unitPrice": "12.75"},
		},
	}
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/orders", "", validCreateBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "draft", body["status"])
	assert.NotEmpty(t, body["orderNumber"])
	assert.Equal(t, "25.5", body["subtotal"])
	assert.Equal(t, "31.99", body["total"])
}

func TestCreateOrder_Replay(t *testing.T) {
	e := newEnv(t)
	key := "create-replay-key-0001"

	first := e.do(t, http.MethodPost, "/api/orders", key, validCreateBody())
	require.Equal(t, http.StatusCreated, first.StatusCode)
	require.Empty(t, first.Header.Get("X-Idempotent-Replay"))
	firstBody := decodeBody(t, first)

	second := e.do(t, http.MethodPost, "/api/orders", key, validCreateBody())
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	secondBody := decodeBody(t, second)

	assert.Equal(t, firstBody["id"], secondBody["id"])
	assert.Equal(t, firstBody["orderNumber"], secondBody["orderNumber"])
}

func TestCreateOrder_InvalidKey(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/orders", "short", validCreateBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateOrder_ValidationErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name       string
		mutate     func(body map[string]any)
		wantStatus int
	}{
		{
			name:       "empty items",
			mutate:     func(b map[string]any) { b["items"] = []map[string]any{} },
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "duplicate sku",
			mutate: func(b map[string]any) {
				b["items"] = []map[string]any{
					{"productSku": "SKU-1", "productName": "Widget", "quantity": 1, "unitPrice": "5.00"},
					{"productSku": "SKU-1", "productName": "Widget", "quantity": 2, "unitPrice": "5.00"},
				}
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown currency",
			mutate:     func(b map[string]any) { b["currency"] = "XYZ" },
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "below minimum amount",
			mutate: func(b map[string]any) {
				b["items"] = []map[string]any{
					{"productSku": "SKU-1", "productName": "Widget", "quantity": 1, "unitPrice": "0.50"},
				}
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validCreateBody()
			tt.mutate(body)

			resp := e.do(t, http.MethodPost, "/api/orders", "", body)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/orders", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-api-key")

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	t.Run("missing key", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/orders", nil)
		require.NoError(t, err)

		resp, err := e.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejected key", func(t *testing.T) {
		e.keys.reject = true
		defer func() { e.keys.reject = false }()

		resp := e.do(t, http.MethodPost, "/api/orders", "", validCreateBody())
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestGetOrder(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodGet, "/api/orders/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, id, body["id"])

	missing := e.do(t, http.MethodGet, "/api/orders/"+uuid.NewString(), "", nil)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUpdateOrder(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodPut, "/api/orders/"+id, "", map[string]any{
		"specialInstructions": "ring twice",
		"items": []map[string]any{
			{"productSku": "SKU-9", "productName": "Gadget", "quantity": 1, "unitPrice": "99.00"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ring twice", body["specialInstructions"])
	assert.Equal(t, "99", body["subtotal"])
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", "", map[string]any{
		"reason": "changed my mind",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "cancelled", body["status"])
	assert.NotEmpty(t, body["cancelledAt"])
}

func TestChangeStatus(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodPost, "/api/orders/"+id+"/status", "", map[string]any{
		"status": "confirmed",
		"reason": "payment authorized",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "confirmed", body["status"])

	// Skipping a state is rejected.
	bad := e.do(t, http.MethodPost, "/api/orders/"+id+"/status", "", map[string]any{
		"status": "delivered",
	})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusConflict, bad.StatusCode)
}

func TestChangeStatus_RequiresAdminScope(t *testing.T) {
	e := newEnv(t)
	e.keys.scopes = []string{auth.ScopeOrdersWrite}

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodPost, "/api/orders/"+id+"/status", "", map[string]any{
		"status": "confirmed",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAddTracking(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	resp := e.do(t, http.MethodPost, "/api/orders/"+id+"/tracking", "", map[string]any{
		"trackingNumber": "TRACK-123456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "TRACK-123456", body["trackingNumber"])
}

func TestUpdateOrder_NotDraftConflicts(t *testing.T) {
	e := newEnv(t)

	created := decodeBody(t, e.do(t, http.MethodPost, "/api/orders", "", validCreateBody()))
	id := created["id"].(string)

	confirm := e.do(t, http.MethodPost, "/api/orders/"+id+"/status", "", map[string]any{
		"status": "confirmed",
	})
	require.Equal(t, http.StatusOK, confirm.StatusCode)
	confirm.Body.Close()

	resp := e.do(t, http.MethodPut, "/api/orders/"+id, "", map[string]any{
		"specialInstructions": "too late",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestKeyReuseAcrossOperationsReplays(t *testing.T) {
	e := newEnv(t)
	key := "shared-key-across-ops-01"

	created := e.do(t, http.MethodPost, "/api/orders", key, validCreateBody())
	require.Equal(t, http.StatusCreated, created.StatusCode)
	createdBody := decodeBody(t, created)
	id := createdBody["id"].(string)

	// The same key against cancel replays the create response; the order is
	// not cancelled.
	resp := e.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", key, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	body := decodeBody(t, resp)
	assert.Equal(t, "draft", body["status"])

	current := decodeBody(t, e.do(t, http.MethodGet, "/api/orders/"+id, "", nil))
	assert.Equal(t, "draft", current["status"])
}
