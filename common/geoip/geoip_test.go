package geoip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonEndpoint(name, base, path string) Endpoint {
	return Endpoint{
		Name:  name,
		URL:   func(ip string) string { return base + path + "/" + ip },
		Parse: jsonField("countryCode"),
	}
}

func TestCountryOfUsesFirstEndpoint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"countryCode": "ir"})
	}))
	defer srv.Close()

	r := NewWithEndpoints([]Endpoint{jsonEndpoint("primary", srv.URL, "/geo")})

	cc, err := r.CountryOf(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, "IR", cc)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCountryOfCachesResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"countryCode": "DE"})
	}))
	defer srv.Close()

	r := NewWithEndpoints([]Endpoint{jsonEndpoint("primary", srv.URL, "/geo")})

	for i := 0; i < 3; i++ {
		cc, err := r.CountryOf(context.Background(), "203.0.113.9")
		require.NoError(t, err)
		require.Equal(t, "DE", cc)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCountryOfFallsBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bad/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/good/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"countryCode": "IR"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewWithEndpoints([]Endpoint{
		jsonEndpoint("bad", srv.URL, "/bad"),
		jsonEndpoint("good", srv.URL, "/good"),
	})

	cc, err := r.CountryOf(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, "IR", cc)
}

func TestFailuresReorderEndpoints(t *testing.T) {
	var badCalls, goodCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/bad/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badCalls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/good/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"countryCode": "IR"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewWithEndpoints([]Endpoint{
		jsonEndpoint("bad", srv.URL, "/bad"),
		jsonEndpoint("good", srv.URL, "/good"),
	})

	_, err := r.CountryOf(context.Background(), "203.0.113.1")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&badCalls))

	// The failed endpoint dropped behind; a fresh IP goes straight to the
	// healthy one.
	_, err = r.CountryOf(context.Background(), "203.0.113.2")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&badCalls))
	require.EqualValues(t, 2, atomic.LoadInt32(&goodCalls))
}

func TestCountryOfAllEndpointsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewWithEndpoints([]Endpoint{
		jsonEndpoint("a", srv.URL, "/a"),
		jsonEndpoint("b", srv.URL, "/b"),
	})

	_, err := r.CountryOf(context.Background(), "203.0.113.9")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestJSONFieldParse(t *testing.T) {
	cc, err := jsonField("countryCode")([]byte(`{"countryCode": "ir"}`))
	require.NoError(t, err)
	require.Equal(t, "IR", cc)

	_, err = jsonField("countryCode")([]byte(`{"countryCode": ""}`))
	require.Error(t, err)

	_, err = jsonField("countryCode")([]byte(`not json`))
	require.Error(t, err)
}
