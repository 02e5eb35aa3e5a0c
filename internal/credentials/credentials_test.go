package credentials

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRequiresBothKeys(t *testing.T) {
	assert.False(t, NewStatic("", "").HasCredentials())
	assert.False(t, NewStatic("key", "").HasCredentials())
	assert.False(t, NewStatic("", "secret").HasCredentials())

	p := NewStatic("key", "secret")
	require.True(t, p.HasCredentials())
	creds, ok := p.Get()
	require.True(t, ok)
	assert.Equal(t, "key", creds.APIKey)
	assert.Equal(t, "secret", creds.SecretKey)
}

func TestFetcherAuthorizesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Service top-secret", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"apiKey":"backend-key","secretKey":"backend-secret"}]`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, "top-secret")

	creds, ok := f.Get()
	require.True(t, ok)
	assert.Equal(t, "backend-key", creds.APIKey)

	// Second lookup inside the cache window stays local.
	_, ok = f.Get()
	require.True(t, ok)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetcherReportsMissingCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, "top-secret")
	assert.False(t, f.HasCredentials())
}

func TestFetcherServesCachedOnBackendFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"apiKey":"backend-key","secretKey":"backend-secret"}]`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, "top-secret")
	f.cacheTTL = 0 // every Get goes to the backend

	_, ok := f.Get()
	require.True(t, ok)

	fail.Store(true)
	creds, ok := f.Get()
	require.True(t, ok, "a backend outage must not drop known credentials")
	assert.Equal(t, "backend-key", creds.APIKey)
}
