package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/config"
	"dealwatch/models"
)

type apiServer struct {
	mu      sync.Mutex
	batches [][]string
	headers []http.Header
	status  int
	missing map[string]bool
}

func (s *apiServer) handler(w http.ResponseWriter, r *http.Request) {
	var req getItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.batches = append(s.batches, req.ItemIds)
	s.headers = append(s.headers, r.Header.Clone())
	status := s.status
	s.mu.Unlock()

	switch status {
	case http.StatusTooManyRequests:
		w.WriteHeader(status)
		fmt.Fprint(w, `{"Errors":[{"Code":"TooManyRequests","Message":"The request was denied due to request throttling."}]}`)
		return
	case http.StatusForbidden, http.StatusUnauthorized:
		w.WriteHeader(status)
		fmt.Fprint(w, `{"Errors":[{"Code":"InvalidSignature","Message":"bad signature"}]}`)
		return
	}

	var items []string
	for i, id := range req.ItemIds {
		if s.missing[id] {
			continue
		}
		items = append(items, fmt.Sprintf(`{
			"ASIN": %q,
			"ItemInfo": {"Title": {"DisplayValue": "Item %d"}, "ByLineInfo": {"Brand": {"DisplayValue": "Acme"}}},
			"Offers": {"Listings": [{"Price": {"Amount": %d.99, "Currency": "USD"}, "SavingBasis": {"Amount": 199.99},
				"Availability": {"Type": "Now"}, "DeliveryInfo": {"IsPrimeEligible": true}}]},
			"CustomerReviews": {"StarRating": {"Value": 4.7}, "Count": 2300}
		}`, id, i, 10+i))
	}
	fmt.Fprintf(w, `{"ItemsResult":{"Items":[%s]}}`, strings.Join(items, ","))
}

func (s *apiServer) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func newTestAPIHandler(t *testing.T, srv *apiServer, mutate func(*config.APIConfig)) *APIHandler {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	cfg := config.DefaultTuning().API
	cfg.Endpoint = ts.URL
	cfg.Host = ""
	cfg.RequestsPerSecond = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAPIHandler(cfg, ts.Client())
}

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("B%09d", i)
	}
	return ids
}

func TestAPIHandler_ChunksIntoBatches(t *testing.T) {
	srv := &apiServer{}
	h := newTestAPIHandler(t, srv, nil)

	ids := testIDs(23)
	results := h.Fetch(context.Background(), ids)

	assert.Equal(t, []int{10, 10, 3}, srv.batchSizes())
	require.Len(t, results, 23)
	for _, id := range ids {
		r := results[id]
		require.True(t, r.OK(), "expected success for %s", id)
		assert.Equal(t, models.StrategyAPI, r.Strategy)
		assert.Equal(t, 1, r.Attempts)
	}

	first := results[ids[0]].Payload
	assert.Equal(t, "Item 0", first.Title)
	assert.Equal(t, "Acme", first.Brand)
	assert.InDelta(t, 10.99, *first.Price, 0.001)
	assert.InDelta(t, 199.99, *first.ListPrice, 0.001)
	assert.Equal(t, "USD", first.Currency)
	assert.InDelta(t, 4.7, first.Rating, 0.001)
	assert.Equal(t, 2300, first.ReviewCount)
	assert.True(t, first.Available)
	assert.True(t, first.Prime)
}

func TestAPIHandler_AbsentItemsAreNotSuccess(t *testing.T) {
	ids := testIDs(3)
	srv := &apiServer{missing: map[string]bool{ids[1]: true}}
	h := newTestAPIHandler(t, srv, nil)

	results := h.Fetch(context.Background(), ids)

	assert.True(t, results[ids[0]].OK())
	assert.False(t, results[ids[1]].OK())
	assert.Equal(t, models.OutcomeNotFound, results[ids[1]].Outcome)
	assert.True(t, results[ids[2]].OK())
}

func TestAPIHandler_RateLimitTripsBreaker(t *testing.T) {
	srv := &apiServer{status: http.StatusTooManyRequests}
	h := newTestAPIHandler(t, srv, func(c *config.APIConfig) {
		c.RateLimitCooldown = time.Minute
	})

	ids := testIDs(23)
	results := h.Fetch(context.Background(), ids)

	// First chunk hits the 429; the remaining chunks never leave the process.
	assert.Equal(t, []int{10}, srv.batchSizes())
	for _, id := range ids {
		assert.Equal(t, models.OutcomeRateLimited, results[id].Outcome, id)
	}
	assert.True(t, h.Breaker().Open)

	results = h.Fetch(context.Background(), ids[:5])
	assert.Equal(t, []int{10}, srv.batchSizes())
	for _, id := range ids[:5] {
		assert.Equal(t, models.OutcomeRateLimited, results[id].Outcome)
	}
}

func TestAPIHandler_BreakerCloses(t *testing.T) {
	srv := &apiServer{status: http.StatusTooManyRequests}
	h := newTestAPIHandler(t, srv, func(c *config.APIConfig) {
		c.RateLimitCooldown = time.Minute
	})
	now := time.Now()
	h.breaker.now = func() time.Time { return now }

	h.Fetch(context.Background(), testIDs(1))
	require.True(t, h.Breaker().Open)

	srv.mu.Lock()
	srv.status = 0
	srv.mu.Unlock()
	now = now.Add(time.Minute + time.Second)

	results := h.Fetch(context.Background(), testIDs(1))
	assert.True(t, results[testIDs(1)[0]].OK())
	assert.False(t, h.Breaker().Open)
	assert.Equal(t, 1, h.Breaker().Trips)
}

func TestAPIHandler_CredentialRejectionTripsBreaker(t *testing.T) {
	srv := &apiServer{status: http.StatusForbidden}
	h := newTestAPIHandler(t, srv, func(c *config.APIConfig) {
		c.AuthCooldown = time.Hour
	})

	results := h.Fetch(context.Background(), testIDs(2))
	for _, r := range results {
		assert.False(t, r.OK())
	}
	st := h.Breaker()
	assert.True(t, st.Open)
	assert.Equal(t, "credentials rejected", st.Reason)
}

func TestAPIHandler_SignsRequests(t *testing.T) {
	srv := &apiServer{}
	h := newTestAPIHandler(t, srv, func(c *config.APIConfig) {
		c.AccessKey = "AKIDEXAMPLE"
		c.SecretKey = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"
		c.PartnerTag = "dealwatch-20"
	})

	h.Fetch(context.Background(), testIDs(1))

	require.Len(t, srv.headers, 1)
	hdr := srv.headers[0]
	assert.True(t, strings.HasPrefix(hdr.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"))
	assert.Contains(t, hdr.Get("Authorization"), "/us-east-1/ProductAdvertisingAPI/aws4_request")
	assert.NotEmpty(t, hdr.Get("X-Amz-Date"))
	assert.Equal(t, paapiTarget, hdr.Get("X-Amz-Target"))
	assert.Equal(t, "amz-1.0", hdr.Get("Content-Encoding"))
}

func TestAPIHandler_UnsignedWithoutCredentials(t *testing.T) {
	srv := &apiServer{}
	h := newTestAPIHandler(t, srv, nil)

	h.Fetch(context.Background(), testIDs(1))

	require.Len(t, srv.headers, 1)
	assert.Empty(t, srv.headers[0].Get("Authorization"))
}
