// Package registry talks to the external FHIR-compliant registry: OAuth2
// client-credentials token acquisition, idempotent resource upserts, bundle
// fetches, and audit-event search.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config carries the registry connection settings. When Enabled is false or
// credentials are incomplete, the token source and client no-op throughout.
type Config struct {
	Enabled      bool
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// configured reports whether the integration can actually reach the registry.
func (c Config) configured() bool {
	return c.Enabled && c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// expirySkew is how long before the recorded expiry a cached token is
// considered dead, covering clock drift and in-flight request time.
const expirySkew = 60 * time.Second

// defaultTokenTTL applies when the token endpoint reports no lifetime at all.
const defaultTokenTTL = 5 * time.Minute

// TokenSource acquires and caches the bearer token for the registry. The
// cached token is shared mutable state across all worker goroutines; reads
// take the fast RLock path and refreshes are collapsed through singleflight
// so concurrent expiries trigger one grant request, not five.
type TokenSource struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	retryBase  time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// TokenOption configures a TokenSource.
type TokenOption func(*TokenSource)

// WithTokenHTTPClient overrides the HTTP client used for grant requests.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(ts *TokenSource) { ts.httpClient = c }
}

// WithTokenRetryBase overrides the initial backoff interval (tests shrink it).
func WithTokenRetryBase(d time.Duration) TokenOption {
	return func(ts *TokenSource) { ts.retryBase = d }
}

func NewTokenSource(cfg Config, logger zerolog.Logger, opts ...TokenOption) *TokenSource {
	ts := &TokenSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "token_source").Logger(),
		retryBase:  time.Second,
	}
	for _, o := range opts {
		o(ts)
	}
	return ts
}

// AccessToken returns a bearer token for the registry. It returns ("", nil)
// without any network call when the integration is disabled or credentials
// are absent; that is a normal condition, and callers no-op in response.
// Otherwise a cached token is returned while it has more than 60s to live,
// and a client-credentials grant (retried with exponential backoff) refreshes
// it. Exhausting the retries is fatal for the call chain.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	if !ts.cfg.configured() {
		return "", nil
	}

	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > expirySkew {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	v, err, _ := ts.group.Do("refresh", func() (any, error) {
		// Another caller may have refreshed while we queued.
		ts.mu.RLock()
		if ts.token != "" && time.Until(ts.expiresAt) > expirySkew {
			token := ts.token
			ts.mu.RUnlock()
			return token, nil
		}
		ts.mu.RUnlock()

		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	var token string
	var ttl time.Duration

	op := func() error {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", ts.cfg.ClientID)
		form.Set("client_secret", ts.cfg.ClientSecret)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := ts.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}

		var out struct {
			AccessToken string          `json:"access_token"`
			ExpiresIn   json.RawMessage `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("parse token response: %w", err))
		}
		if out.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("token response missing access_token"))
		}

		token = out.AccessToken
		ttl = tokenTTL(out.AccessToken, out.ExpiresIn)
		return nil
	}

	if err := backoff.Retry(op, newBackOff(ctx, ts.retryBase)); err != nil {
		ts.logger.Error().Err(err).Msg("token refresh exhausted retries")
		return "", fmt.Errorf("acquire registry token: %w", err)
	}

	ts.mu.Lock()
	ts.token = token
	ts.expiresAt = time.Now().Add(ttl)
	ts.mu.Unlock()

	ts.logger.Debug().Dur("ttl", ttl).Msg("registry token refreshed")
	return token, nil
}

// tokenTTL derives the token lifetime. expires_in arrives as a number or a
// string depending on the registry; when it is absent entirely the token's
// own exp claim is used if it parses as a JWT, else a conservative default.
func tokenTTL(token string, expiresIn json.RawMessage) time.Duration {
	if len(expiresIn) > 0 {
		var n int64
		if err := json.Unmarshal(expiresIn, &n); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		var s string
		if err := json.Unmarshal(expiresIn, &s); err == nil {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if ttl := time.Until(exp.Time); ttl > 0 {
				return ttl
			}
		}
	}
	return defaultTokenTTL
}

// newBackOff builds the shared retry envelope: exponential from base, x2 up
// to 10s, ±25% jitter, 3 retries on top of the initial attempt.
func newBackOff(ctx context.Context, base time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}
