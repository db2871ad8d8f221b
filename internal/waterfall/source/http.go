package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/resilience"
)

// HTTPAdapter queries an external enrichment API. Requests are rate
// limited per adapter, retried on transient failures, and cut off by a
// circuit breaker when the vendor is down.
type HTTPAdapter struct {
	id      string
	url     string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// HTTPAdapterOptions configures an HTTPAdapter.
type HTTPAdapterOptions struct {
	ID        string
	URL       string
	APIKey    string
	RatePerS  float64
	Burst     int
	Retry     *resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker
	Transport http.RoundTripper
}

func NewHTTPAdapter(opts HTTPAdapterOptions) *HTTPAdapter {
	if opts.RatePerS <= 0 {
		opts.RatePerS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	retryCfg := resilience.DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if opts.Transport != nil {
		client.Transport = opts.Transport
	}
	return &HTTPAdapter{
		id:      opts.ID,
		url:     opts.URL,
		apiKey:  opts.APIKey,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerS), opts.Burst),
		retry:   retryCfg,
		breaker: breaker,
	}
}

func (a *HTTPAdapter) ID() string { return a.id }

// lookupRequest is the wire form sent to the enrichment vendor. Fields
// tells the vendor which attributes the caller wants back.
type lookupRequest struct {
	FullName string   `json:"full_name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	State    string   `json:"state,omitempty"`
	City     string   `json:"city,omitempty"`
	ZipCode  string   `json:"zip_code,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

func (a *HTTPAdapter) Lookup(ctx context.Context, target model.Entity, fields []string) (*Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "source %s: rate limit wait", a.id)
	}

	body, err := json.Marshal(lookupRequest{
		FullName: target.FullName,
		Email:    target.Email,
		Phone:    target.Phone,
		State:    target.State,
		City:     target.City,
		ZipCode:  target.ZipCode,
		Fields:   fields,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: marshal request", a.id)
	}

	var result *Result
	err = a.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			r, err := a.doRequest(ctx, body)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: lookup", a.id)
	}
	return result, nil
}

func (a *HTTPAdapter) doRequest(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The vendor knows nothing about this person.
		return &Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, payload)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	return &result, nil
}
