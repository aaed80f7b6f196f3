// Package dhis2 is the HTTP client used to talk to source and destination
// DHIS2-compatible instances. Query/response shapes are grounded on
// other_examples/Dradebo-dhis2Sync__service.go (client.Get(path, params),
// resp.IsSuccess(), the fields/paging query convention). Per-host circuit
// breaking follows the gobreaker pattern used throughout the isectech
// services (backend/shared/database/dal/resilience.go).
package dhis2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dhis2pipeline/migrate/internal/apperr"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultDataTimeout = 120 * time.Second
)

// SourceTimeout and DestTimeout, when non-zero, override the default HTTP
// timeout used for clients built against the source and destination
// instance respectively. Set once at process startup from
// SOURCE_TIMEOUT_MS/DEST_TIMEOUT_MS; left at zero, callers fall back to
// DefaultTimeout or DefaultDataTimeout depending on the call shape.
var (
	SourceTimeout time.Duration
	DestTimeout   time.Duration
)

// Client talks to one DHIS2-compatible instance.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a Client with a per-host circuit breaker: five consecutive
// failures trips it open for 30s, after which a single trial request is
// allowed through (gobreaker's half-open state).
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        baseURL,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Response is the parsed result of a GET/POST call.
type Response struct {
	StatusCode int
	Body       []byte
}

// IsSuccess reports whether the response is a 2xx.
func (r *Response) IsSuccess() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Decode JSON-decodes the response body into target.
func (r *Response) Decode(target interface{}) error {
	return json.Unmarshal(r.Body, target)
}

// classify turns a completed response (or a transport-level err) into a
// typed *apperr.Error, attaching the transport status/code/URL so failure
// headers can carry it through to the DLQ. body is the decoded response
// body, used only to tell a genuine 409 partial-success apart from a 409
// with no importCount, which is treated as fatal rather than a conflict.
func classify(statusCode int, err error, url string, body []byte) error {
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamTransient, "request failed", err).
			WithFault(0, "ERR_NETWORK", url)
	}
	switch {
	case statusCode == http.StatusConflict:
		if !hasImportCount(body) {
			return apperr.New(apperr.KindUpstreamFatal, "upstream returned 409 with no importCount in response").
				WithFault(statusCode, "ERR_BAD_RESPONSE", url)
		}
		return apperr.New(apperr.KindUpstreamConflict, "upstream returned 409").
			WithFault(statusCode, "ERR_BAD_RESPONSE", url)
	case statusCode == 408 || statusCode == 502 || statusCode == 503 || statusCode == 504:
		return apperr.New(apperr.KindUpstreamTransient, fmt.Sprintf("upstream returned %d", statusCode)).
			WithFault(statusCode, "ERR_BAD_RESPONSE", url)
	case statusCode >= 400:
		return apperr.New(apperr.KindUpstreamFatal, fmt.Sprintf("upstream returned %d", statusCode)).
			WithFault(statusCode, "ERR_BAD_REQUEST", url)
	default:
		return nil
	}
}

// hasImportCount reports whether body decodes to a response carrying an
// importCount, either at the top level (metadata import) or nested under
// "response" (data value set import).
func hasImportCount(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var envelope struct {
		ImportCount json.RawMessage `json:"importCount"`
		Response    struct {
			ImportCount json.RawMessage `json:"importCount"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return len(envelope.ImportCount) > 0 || len(envelope.Response.ImportCount) > 0
}

// Get issues a GET against path with the given query params.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	full := fmt.Sprintf("%s/%s", trimSlash(c.BaseURL), trimSlash(path))
	if len(params) > 0 {
		full += "?" + params.Encode()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.Wrap(apperr.KindUpstreamTransient, "circuit open for "+c.BaseURL, err).
				WithFault(0, "ERR_NETWORK", full)
		}
		return nil, classify(0, err, full, nil)
	}
	resp := result.(*Response)
	if classErr := classify(resp.StatusCode, nil, full, resp.Body); classErr != nil {
		return resp, classErr
	}
	return resp, nil
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, params url.Values, payload interface{}) (*Response, error) {
	full := fmt.Sprintf("%s/%s", trimSlash(c.BaseURL), trimSlash(path))
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal POST payload", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.Wrap(apperr.KindUpstreamTransient, "circuit open for "+c.BaseURL, err).
				WithFault(0, "ERR_NETWORK", full)
		}
		return nil, classify(0, err, full, nil)
	}
	resp := result.(*Response)
	if classErr := classify(resp.StatusCode, nil, full, resp.Body); classErr != nil {
		return resp, classErr
	}
	return resp, nil
}

// RouteProxyGet forwards a GET through the destination's route proxy to the
// configured source instance:
// GET /api/routes/{routeId}/run/{sourcePath}.
func (c *Client) RouteProxyGet(ctx context.Context, routeID, sourcePath string, params url.Values) (*Response, error) {
	proxied := fmt.Sprintf("api/routes/%s/run/%s", routeID, trimSlash(sourcePath))
	return c.Get(ctx, proxied, params)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "ApiToken "+c.Token)
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
