// Package epias provides a client for the EPİAŞ demand pre-notification API:
// CAS ticket authentication and paged supplier queries.
package epias

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/demandsync/internal/model"
	"github.com/sells-group/demandsync/internal/resilience"
)

const (
	defaultCASURL  = "https://cas.epias.com.tr"
	defaultBaseURL = "https://epys.epias.com.tr"

	ticketPath = "/cas/v1/tickets"
	queryPath  = "/demand/v1/pre-notification/supplier/query"
)

// ErrUnauthorized is returned when the CAS rejects the credentials or the
// query endpoint rejects the ticket.
var ErrUnauthorized = eris.New("epias: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("epias: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*Client)

// WithCASURL overrides the CAS base URL (for testing).
func WithCASURL(u string) Option {
	return func(c *Client) { c.casURL = strings.TrimRight(u, "/") }
}

// WithBaseURL overrides the EPYS base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit paces requests to rps per second. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p resilience.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// Client talks to the CAS and EPYS endpoints. It is safe for sequential use
// by one ingestion cycle; the limiter makes concurrent use safe as well.
type Client struct {
	casURL  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.Policy
	log     *zap.Logger
}

// NewClient creates a client with production endpoints, a 30s timeout and
// 5 requests per second.
func NewClient(opts ...Option) *Client {
	c := &Client{
		casURL:  defaultCASURL,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		retry:   resilience.NoRetry(),
		log:     zap.L().With(zap.String("component", "epias")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.LogRetries(c.log, "epias")
	}
	return c
}

// Authenticate exchanges credentials for a ticket-granting ticket.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	endpoint := c.casURL + ticketPath + "?format=text"

	body, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, eris.Wrap(err, "epias: create ticket request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "text/plain")
		return c.do(req)
	})
	if err != nil {
		return "", eris.Wrapf(err, "epias: authenticate %s", username)
	}

	ticket := strings.TrimSpace(string(body))
	if ticket == "" {
		return "", eris.Errorf("epias: authenticate %s: empty ticket", username)
	}
	return ticket, nil
}

// Count returns the number of records available for period, using a page
// of size 1.
func (c *Client) Count(ctx context.Context, ticket, period string) (int, error) {
	resp, err := c.query(ctx, ticket, period, 1, 1)
	if err != nil {
		return 0, eris.Wrap(err, "epias: count")
	}
	return resp.Body.Content.Page.Total, nil
}

// FetchPage returns the records on 1-indexed page number of the given size.
func (c *Client) FetchPage(ctx context.Context, ticket, period string, number, size int) ([]model.ConsumptionRecord, error) {
	resp, err := c.query(ctx, ticket, period, number, size)
	if err != nil {
		return nil, eris.Wrapf(err, "epias: fetch page %d", number)
	}

	records := make([]model.ConsumptionRecord, 0, len(resp.Body.Content.Items))
	for i, raw := range resp.Body.Content.Items {
		r, err := model.DecodeSourceItem(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "epias: decode page %d item %d", number, i)
		}
		records = append(records, r)
	}
	return records, nil
}

type queryRequest struct {
	PeriodDate string    `json:"periodDate"`
	Page       pageQuery `json:"page"`
}

type pageQuery struct {
	Number int       `json:"number"`
	Size   int       `json:"size"`
	Sort   sortQuery `json:"sort"`
}

type sortQuery struct {
	Direction string `json:"direction"`
	Field     string `json:"field"`
}

type queryResponse struct {
	Body struct {
		Content struct {
			Items []json.RawMessage `json:"items"`
			Page  struct {
				Total int `json:"total"`
			} `json:"page"`
		} `json:"content"`
	} `json:"body"`
}

func (c *Client) query(ctx context.Context, ticket, period string, number, size int) (*queryResponse, error) {
	payload, err := json.Marshal(queryRequest{
		PeriodDate: period,
		Page: pageQuery{
			Number: number,
			Size:   size,
			Sort:   sortQuery{Direction: "DESC", Field: "periodDate"},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "epias: marshal query")
	}

	body, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(payload))
		if err != nil {
			return nil, eris.Wrap(err, "epias: create query request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("TGT", ticket)
		return c.do(req)
	})
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "epias: decode query response")
	}
	return &resp, nil
}

// do paces, sends and reads req. 401/403 map to ErrUnauthorized; 408, 429
// and 5xx become resilience.TransientError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, eris.Wrap(err, "epias: rate limiter")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "epias: %s %s", req.Method, req.URL.Path), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "epias: read response body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, eris.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return nil, statusErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
