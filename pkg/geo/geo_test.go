package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"ip": "203.0.113.7",
	"country_iso": "JP",
	"city": "Tokyo",
	"region_name": "Tokyo",
	"asn": "AS64496",
	"asn_org": "Example Carrier"
}`

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL, srv.Client()).Lookup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", info.IP)
	assert.Equal(t, "JP", info.CountryISO)
	assert.Equal(t, "Tokyo", info.City)
	assert.Equal(t, "AS64496", info.ASN)
}

func TestLookupRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL, srv.Client()).Lookup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "JP", info.CountryISO)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLookupGivesUpAfterRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Lookup(context.Background())
	assert.Error(t, err)
}
