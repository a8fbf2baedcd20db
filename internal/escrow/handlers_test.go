package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealshield/dealshield/internal/custody"
	"github.com/dealshield/dealshield/internal/pagination"
)

func newTestRouter(t *testing.T, buyerFunds uint64) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t, buyerFunds)
	h := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r, env
}

func doJSON(t *testing.T, r *gin.Engine, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_InitializeEscrow(t *testing.T) {
	r, env := newTestRouter(t, 150)

	w := doJSON(t, r, "POST", "/v1/escrow", buyer, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100, Fee: 50,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, StateInitialized, rec.State)
	assert.Equal(t, uint64(100), rec.Amount)
	assert.Equal(t, uint64(50), rec.Fee)
	assert.NotEmpty(t, rec.VaultAddr)

	assert.Equal(t, uint64(150), env.balance(t, rec.VaultAddr))
}

func TestHandler_InitializeRequiresBuyerCaller(t *testing.T) {
	r, _ := newTestRouter(t, 150)

	// Seller cannot open an escrow on the buyer's funds
	w := doJSON(t, r, "POST", "/v1/escrow", seller, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Missing caller header is rejected too
	w = doJSON(t, r, "POST", "/v1/escrow", "", InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_InitializeValidatesAddresses(t *testing.T) {
	r, _ := newTestRouter(t, 150)

	w := doJSON(t, r, "POST", "/v1/escrow", "not-an-address", InitializeRequest{
		Buyer: "not-an-address", Seller: seller, ListingID: "listing-1", Amount: 100,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body["error"])
}

func TestHandler_InitializeInsufficientFunds(t *testing.T) {
	r, _ := newTestRouter(t, 10)

	w := doJSON(t, r, "POST", "/v1/escrow", buyer, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100,
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestHandler_ConfirmDelivery(t *testing.T) {
	r, env := newTestRouter(t, 150)

	w := doJSON(t, r, "POST", "/v1/escrow", buyer, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100, Fee: 50,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	// Seller cannot confirm
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/confirm", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Anonymous cannot confirm
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/confirm", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Buyer confirms
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/confirm", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, StateCompleted, rec.State)

	assert.Equal(t, uint64(100), env.balance(t, seller))
	assert.Equal(t, uint64(50), env.balance(t, treasury))

	// Second confirm conflicts
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/confirm", buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_RefundTimeout(t *testing.T) {
	r, env := newTestRouter(t, 150)

	w := doJSON(t, r, "POST", "/v1/escrow", buyer, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100, Fee: 50,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	// Too early
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/refund", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.clock.Set(rec.CreatedAt.Add(Timeout + time.Second))

	// Anyone may trigger the refund once the deadline has passed
	w = doJSON(t, r, "POST", "/v1/escrow/"+rec.ID+"/refund", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, StateCancelled, rec.State)

	assert.Equal(t, uint64(100), env.balance(t, buyer))
	assert.Equal(t, uint64(50), env.balance(t, treasury))
}

func TestHandler_GetEscrow(t *testing.T) {
	r, env := newTestRouter(t, 100)
	ctx := context.Background()

	rec, err := env.svc.Initialize(ctx, InitializeRequest{
		Buyer: buyer, Seller: seller, ListingID: "listing-1", Amount: 100,
	})
	require.NoError(t, err)

	w := doJSON(t, r, "GET", "/v1/escrow/"+rec.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)

	// The derivation salt never leaves the service
	assert.NotContains(t, w.Body.String(), "bump")

	w = doJSON(t, r, "GET", "/v1/escrow/esc_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListEscrows(t *testing.T) {
	r, env := newTestRouter(t, 200)
	ctx := context.Background()

	for _, listing := range []string{"a", "b"} {
		_, err := env.svc.Initialize(ctx, InitializeRequest{
			Buyer: buyer, Seller: seller, ListingID: listing, Amount: 100,
		})
		require.NoError(t, err)
	}

	w := doJSON(t, r, "GET", "/v1/parties/"+seller+"/escrows", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Escrows []Record `json:"escrows"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Escrows, 2)
}

func TestHandler_ListEscrowsPagination(t *testing.T) {
	r, env := newTestRouter(t, 200)
	ctx := context.Background()

	for _, listing := range []string{"a", "b"} {
		_, err := env.svc.Initialize(ctx, InitializeRequest{
			Buyer: buyer, Seller: seller, ListingID: listing, Amount: 100,
		})
		require.NoError(t, err)
	}

	w := doJSON(t, r, "GET", "/v1/parties/"+buyer+"/escrows?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Escrows    []Record `json:"escrows"`
		Count      int      `json:"count"`
		NextCursor string   `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Escrows, 1)
	require.NotEmpty(t, page.NextCursor)
	firstID := page.Escrows[0].ID

	w = doJSON(t, r, "GET", "/v1/parties/"+buyer+"/escrows?limit=1&cursor="+page.NextCursor, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	// Unmarshal leaves fields absent from the JSON untouched, so clear the
	// cursor carried over from the first page before decoding into the
	// same struct.
	page.NextCursor = ""
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Escrows, 1)
	assert.NotEqual(t, firstID, page.Escrows[0].ID)
	assert.Empty(t, page.NextCursor)

	// Garbage cursors are rejected up front
	w = doJSON(t, r, "GET", "/v1/parties/"+buyer+"/escrows?cursor=%2Fnot-base64%2F", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// limitSpyStore records the limit the handler path hands to the store.
type limitSpyStore struct {
	*MemoryStore
	lastLimit int
}

func (s *limitSpyStore) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Record, error) {
	s.lastLimit = limit
	return s.MemoryStore.ListByParty(ctx, addr, limit, before)
}

func TestHandler_ListEscrowsClampsLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	spy := &limitSpyStore{MemoryStore: NewMemoryStore()}
	svc := NewService(spy, custody.New(custody.NewMemoryStore()), treasury)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	w := doJSON(t, r, "GET", "/v1/parties/"+buyer+"/escrows?limit=1000000000", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The store sees at most the cap plus the one-record cursor over-fetch
	assert.Equal(t, maxListLimit+1, spy.lastLimit)

	w = doJSON(t, r, "GET", "/v1/parties/"+buyer+"/escrows?limit=-5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultListLimit+1, spy.lastLimit)
}
