// Package wolfram provides a minimal client for the Wolfram|Alpha LLM API.
package wolfram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public LLM API endpoint.
	DefaultBaseURL = "https://www.wolframalpha.com/api/v1/llm-api"

	// DefaultMaxChars is the response size limit used when the caller doesn't pick one.
	DefaultMaxChars = 6800

	// DefaultTimeout bounds a single upstream call.
	DefaultTimeout = 20 * time.Second

	// maxBodySize caps how much of an upstream body is read into memory.
	maxBodySize = 1 << 20

	notUnderstood = "Wolfram Alpha did not understand your input"
)

// Client is a minimal HTTP client for the LLM API.
type Client struct {
	BaseURL string
	AppID   string
	HTTP    *http.Client
}

// New returns a new client. If httpClient is nil, a default with DefaultTimeout is used.
func New(baseURL, appID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), AppID: appID, HTTP: httpClient}
}

// Configured reports whether an AppID is set.
func (c *Client) Configured() bool { return c.AppID != "" }

// Query sends input to the LLM API and returns the plain-text answer.
// Every failure is returned as an *Error so callers can classify it.
func (c *Client) Query(ctx context.Context, input string, maxChars int) (string, error) {
	if c.AppID == "" {
		return "", &Error{Kind: KindNotConfigured}
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	reqURL, err := c.buildQueryURL(input, maxChars)
	if err != nil {
		return "", &Error{Kind: KindHTTP, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", &Error{Kind: KindHTTP, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", c.transportError(ctx, err)
	}
	text := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusOK:
		if text == "" {
			return "", &Error{Kind: KindEmpty, Status: resp.StatusCode}
		}
		if strings.Contains(text, notUnderstood) {
			return "", &Error{Kind: KindUnintelligible, Status: resp.StatusCode, Body: text}
		}
		return text, nil
	case resp.StatusCode == http.StatusBadRequest:
		return "", &Error{Kind: KindBadInput, Status: resp.StatusCode, Body: text}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return "", &Error{Kind: KindUnauthenticated, Status: resp.StatusCode, Body: text}
	case resp.StatusCode == http.StatusNotImplemented:
		return "", &Error{Kind: KindUnintelligible, Status: resp.StatusCode, Body: text}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{Kind: KindRateLimited, Status: resp.StatusCode, Body: text}
	default:
		return "", &Error{Kind: KindHTTP, Status: resp.StatusCode, Body: text}
	}
}

// buildQueryURL composes the query URL with the appid, input and maxchars params.
func (c *Client) buildQueryURL(input string, maxChars int) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("appid", c.AppID)
	q.Set("input", input)
	q.Set("maxchars", strconv.Itoa(maxChars))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// transportError classifies a failure that happened before a status was read.
func (c *Client) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: KindTimeout, Timeout: c.HTTP.Timeout, Err: err}
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return &Error{Kind: KindCanceled, Err: err}
	default:
		return &Error{Kind: KindConnection, Err: err}
	}
}
