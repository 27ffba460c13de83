package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

// Client performs the registry calls. Every call first obtains a token; an
// empty token means the integration is disabled and the call no-ops. Each
// call is retried with the shared backoff envelope; exhausting it surfaces
// an error the worker pool treats as a job failure (its own retry layer).
type Client struct {
	cfg        Config
	tokens     *TokenSource
	httpClient *http.Client
	logger     zerolog.Logger
	retryBase  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for registry calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryBase overrides the initial backoff interval (tests shrink it).
func WithRetryBase(d time.Duration) ClientOption {
	return func(cl *Client) { cl.retryBase = d }
}

func NewClient(cfg Config, tokens *TokenSource, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "registry_client").Logger(),
		retryBase:  time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upsert PUTs the resource keyed by its own id, so repeated delivery under
// at-least-once queue semantics cannot create duplicate registry records.
// 408/429/5xx and transport failures are retried; other 4xx are terminal
// because retrying cannot fix malformed input.
func (c *Client) Upsert(ctx context.Context, resourceType, id string, resource any, correlationID string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		c.logger.Debug().Str("resource_type", resourceType).Msg("integration disabled, skipping upsert")
		return nil
	}

	body, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", resourceType, id, err)
	}

	target := fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), resourceType, id)
	_, err = c.do(ctx, http.MethodPut, target, body, correlationID, token)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// FetchEverything GETs the registry's $everything bundle for a patient. It
// backs a user-facing read path that must degrade gracefully, so failures
// are logged and reported as a nil bundle rather than an error; a nil bundle
// also means the integration is disabled.
func (c *Client) FetchEverything(ctx context.Context, patientID string) *fhir.Bundle {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil || token == "" {
		if err != nil {
			c.logger.Warn().Err(err).Str("patient_id", patientID).Msg("fetch everything: no token")
		}
		return nil
	}

	target := fmt.Sprintf("%s/Patient/%s/$everything", strings.TrimRight(c.cfg.BaseURL, "/"), patientID)
	body, err := c.do(ctx, http.MethodGet, target, nil, "", token)
	if err != nil {
		c.logger.Warn().Err(err).Str("patient_id", patientID).Msg("fetch everything failed")
		return nil
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		c.logger.Warn().Err(err).Str("patient_id", patientID).Msg("fetch everything: bad bundle")
		return nil
	}
	return &bundle
}

// SearchAuditEvents fetches up to count registry audit events recorded at or
// after since, newest first. A zero since means no date filter. A disabled
// integration returns an empty slice.
func (c *Client) SearchAuditEvents(ctx context.Context, since time.Time, count int) ([]fhir.AuditEvent, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("_count", strconv.Itoa(count))
	q.Set("_sort", "-date")
	if !since.IsZero() {
		q.Set("date", "ge"+since.UTC().Format(time.RFC3339))
	}

	target := fmt.Sprintf("%s/AuditEvent?%s", strings.TrimRight(c.cfg.BaseURL, "/"), q.Encode())
	body, err := c.do(ctx, http.MethodGet, target, nil, "", token)
	if err != nil {
		return nil, fmt.Errorf("search audit events: %w", err)
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("parse audit bundle: %w", err)
	}

	events := make([]fhir.AuditEvent, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var ev fhir.AuditEvent
		if err := json.Unmarshal(entry.Resource, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("skipping undecodable audit event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// do issues one bearer-authenticated request with the shared retry envelope
// and returns the response body.
func (c *Client) do(ctx context.Context, method, target string, body []byte, correlationID, token string) ([]byte, error) {
	var respBody []byte

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/fhir+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/fhir+json")
		}
		if correlationID != "" {
			req.Header.Set("X-Correlation-ID", correlationID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, target, err)
		}
		defer resp.Body.Close()

		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 4<<20))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return fmt.Errorf("registry returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("registry returned %d", resp.StatusCode))
		}
	}

	if err := backoff.Retry(op, newBackOff(ctx, c.retryBase)); err != nil {
		return nil, err
	}
	return respBody, nil
}
