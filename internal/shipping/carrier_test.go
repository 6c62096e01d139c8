package shipping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
)

func TestSelector(t *testing.T) {
	light := newFakeCarrier("light")
	heavy := newFakeCarrier("heavy")
	abroad := newFakeCarrier("abroad")
	s := NewSelector(
		CarrierOption{Carrier: light, MaxWeightGrams: 2000, Countries: []string{"KR"}},
		CarrierOption{Carrier: heavy, Countries: []string{"KR"}},
		CarrierOption{Carrier: abroad, MaxWeightGrams: 30000},
	)

	tests := []struct {
		name    string
		weight  int
		country string
		want    string
	}{
		{"light domestic", 1500, "KR", "light"},
		{"country is case insensitive", 1500, "kr", "light"},
		{"heavy domestic", 90000, "KR", "heavy"},
		{"abroad", 1500, "US", "abroad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := s.Select(tt.weight, tt.country)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}

	_, err := s.Select(40000, "US")
	assert.ErrorIs(t, err, ErrNoCarrier)

	c, ok := s.ByName("heavy")
	require.True(t, ok)
	assert.Same(t, heavy, c)
	_, ok = s.ByName("pigeon")
	assert.False(t, ok)
}

func TestHTTPCarrier(t *testing.T) {
	eta := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	var (
		gotKey  string
		gotCID  string
		gotReq  RegisterRequest
		deleted string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/shipments", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotCID = r.Header.Get(middleware.HeaderCorrelationID)
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]string{"trackingNumber": "PX123"})
	})
	mux.HandleFunc("POST /v1/shipments/{tn}/dispatch", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]time.Time{"estimatedDelivery": eta})
	})
	mux.HandleFunc("DELETE /v1/shipments/{tn}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("tn")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := httpclient.NewClient("parcel-express", srv.URL, srv.Client())
	require.NoError(t, err)
	c := NewHTTPCarrier("parcel-express", client)
	ctx := middleware.WithCorrelationID(context.Background(), "corr-7")

	tn, err := c.Register(ctx, RegisterRequest{
		OrderID:     "O1",
		Address:     events.Address{Country: "KR"},
		WeightGrams: 800,
	})
	require.NoError(t, err)
	assert.Equal(t, "PX123", tn)
	assert.Equal(t, "register-O1", gotKey)
	assert.Equal(t, "corr-7", gotCID)
	assert.Equal(t, 800, gotReq.WeightGrams)

	got, err := c.Dispatch(ctx, tn)
	require.NoError(t, err)
	assert.True(t, eta.Equal(got))

	require.NoError(t, c.Cancel(ctx, tn))
	assert.Equal(t, "PX123", deleted)
}

func TestHTTPCarrierRejectsEmptyTrackingNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := httpclient.NewClient("parcel-express", srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = NewHTTPCarrier("parcel-express", client).Register(context.Background(), RegisterRequest{OrderID: "O1"})
	assert.Error(t, err)
}

func TestSimulatedCarrier(t *testing.T) {
	c := NewSimulatedCarrier("parcel-express", "PX", 48*time.Hour)
	ctx := context.Background()

	tn, err := c.Register(ctx, RegisterRequest{OrderID: "O1"})
	require.NoError(t, err)
	assert.Len(t, tn, 14)
	again, err := c.Register(ctx, RegisterRequest{OrderID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, tn, again)

	eta, err := c.Dispatch(ctx, tn)
	require.NoError(t, err)
	assert.True(t, eta.After(time.Now().Add(47*time.Hour)))

	other, err := c.Register(ctx, RegisterRequest{OrderID: "O2"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, other))
	_, err = c.Dispatch(ctx, other)
	assert.Error(t, err)
}

func TestDefaultCarriers(t *testing.T) {
	s := DefaultCarriers("KR")
	for _, tt := range []struct {
		weight  int
		country string
		want    string
	}{
		{1000, "KR", "parcel-express"},
		{100000, "KR", "freight-line"},
		{1000, "DE", "global-courier"},
	} {
		c, err := s.Select(tt.weight, tt.country)
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.Name())
	}
}
