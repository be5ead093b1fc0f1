package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"class-mirror-backend/internal/model"
	"class-mirror-backend/internal/store"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu      sync.Mutex
	subs    map[string]model.PushSubscription
	changes []model.ChangeRecord
	limits  []int
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]model.PushSubscription)}
}

func (s *memStore) RecordChanges(_ context.Context, records []model.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, records...)
	return nil
}

func (s *memStore) ListChanges(_ context.Context, limit int) ([]model.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limit)
	if limit > len(s.changes) {
		limit = len(s.changes)
	}
	return s.changes[:limit], nil
}

func (s *memStore) PutSubscription(_ context.Context, sub model.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Endpoint] = sub
	return nil
}

func (s *memStore) GetSubscription(_ context.Context, endpoint string) (model.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[endpoint]
	if !ok {
		return model.PushSubscription{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *memStore) DeleteSubscription(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func setupSubscriptionRouter(s store.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(s, nil, nil)
	r.GET("/api/subscriptions", handler.GetSubscription)
	r.PUT("/api/subscriptions", handler.PutSubscription)
	r.DELETE("/api/subscriptions", handler.DeleteSubscription)
	return r
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, target, nil)
	} else {
		req, _ = http.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPutSubscription(t *testing.T) {
	router := setupSubscriptionRouter(newMemStore())

	w := serve(router, http.MethodPut, "/api/subscriptions", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := newMemStore()
	router := setupSubscriptionRouter(s)
	endpoint := "https://push.example.com/send/abc%3D%3D"

	w := serve(router, http.MethodPut, "/api/subscriptions",
		`{"endpoint":"`+endpoint+`","p256dh":"key","auth":"secret","failures":false}`)
	require.Equal(t, http.StatusCreated, w.Code)

	stored := s.subs[endpoint]
	assert.True(t, stored.Cancellations, "omitted preference defaults to on")
	assert.False(t, stored.Failures)
	assert.False(t, stored.CreatedAt.IsZero())

	w = serve(router, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancellations":true,"failures":false}`, w.Body.String())

	w = serve(router, http.MethodDelete, "/api/subscriptions", `{"endpoint":"`+endpoint+`"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = serve(router, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSubscriptionRequiresEndpoint(t *testing.T) {
	router := setupSubscriptionRouter(newMemStore())

	w := serve(router, http.MethodGet, "/api/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"endpoint is required"}`, w.Body.String())
}

func TestRawQueryParam(t *testing.T) {
	v, ok := rawQueryParam("a=1&endpoint=https://x/y%2Bz&b=2", "endpoint")
	assert.True(t, ok)
	assert.Equal(t, "https://x/y%2Bz", v)

	_, ok = rawQueryParam("a=1", "endpoint")
	assert.False(t, ok)
}
