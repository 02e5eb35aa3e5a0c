package credentials

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Credentials holds decrypted API credentials for the venue.
type Credentials struct {
	APIKey    string `json:"apiKey"`
	SecretKey string `json:"secretKey"`
}

// Provider is the credential collaborator contract. The connectivity core
// never persists credentials itself.
type Provider interface {
	HasCredentials() bool
	Get() (Credentials, bool)
}

// Static is a fixed in-memory provider, typically filled from the
// environment by the application root.
type Static struct {
	creds Credentials
}

// NewStatic creates a provider around fixed credentials. Empty keys mean
// no credentials are configured.
func NewStatic(apiKey, secretKey string) *Static {
	return &Static{creds: Credentials{APIKey: apiKey, SecretKey: secretKey}}
}

func (s *Static) HasCredentials() bool {
	return s.creds.APIKey != "" && s.creds.SecretKey != ""
}

func (s *Static) Get() (Credentials, bool) {
	if !s.HasCredentials() {
		return Credentials{}, false
	}
	return s.creds, true
}

// Fetcher pulls credentials from the backend API using a service secret,
// caching the result briefly so credential checks stay off the hot path.
type Fetcher struct {
	backendURL    string
	serviceSecret string
	httpClient    *http.Client

	mu        sync.Mutex
	cached    *Credentials
	fetchedAt time.Time
	cacheTTL  time.Duration
}

// NewFetcher creates a backend-backed provider.
func NewFetcher(backendURL, serviceSecret string) *Fetcher {
	return &Fetcher{
		backendURL:    backendURL,
		serviceSecret: serviceSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cacheTTL: time.Minute,
	}
}

// HasCredentials reports whether the backend holds credentials for the venue.
func (f *Fetcher) HasCredentials() bool {
	_, ok := f.Get()
	return ok
}

// Get returns the current credentials, fetching from the backend when the
// cached copy has aged out.
func (f *Fetcher) Get() (Credentials, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil && time.Since(f.fetchedAt) < f.cacheTTL {
		return *f.cached, true
	}

	creds, err := f.fetch()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch credentials from backend")
		if f.cached != nil {
			return *f.cached, true
		}
		return Credentials{}, false
	}
	if creds == nil {
		return Credentials{}, false
	}

	f.cached = creds
	f.fetchedAt = time.Now()
	return *creds, true
}

func (f *Fetcher) fetch() (*Credentials, error) {
	url := fmt.Sprintf("%s/api/v1/internal/credentials/binance", f.backendURL)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Service %s", f.serviceSecret))
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: invalid service credentials")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result []Credentials
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return &result[0], nil
}
