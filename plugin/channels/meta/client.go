// Package meta implements the Instagram and Facebook Messenger channel
// adapters over the Meta Graph API.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Graph API endpoint, pinned to the version the
	// product is tested against.
	DefaultBaseURL = "https://graph.facebook.com/v18.0"

	sendTimeout     = 30 * time.Second
	validateTimeout = 8 * time.Second
)

// graphError is the error object Meta embeds in response bodies,
// sometimes under a 200-level status.
type graphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode,omitempty"`
	FBTraceID    string `json:"fbtrace_id,omitempty"`
}

type graphErrorBody struct {
	Error *graphError `json:"error,omitempty"`
}

// graphResponse is the raw outcome of one Graph call: status plus body,
// with any embedded application error pre-parsed. 4xx statuses do not
// produce a Go error here so the body can be classified by the caller.
type graphResponse struct {
	StatusCode int
	Body       []byte
	GraphErr   *graphError
}

// graphClient is a thin Graph API HTTP client shared by the Instagram
// and Messenger adapters. Outbound calls are rate limited per client to
// stay under the app-level Graph budget.
type graphClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newGraphClient(baseURL string) *graphClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &graphClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: sendTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		// Graph allows bursts; 10 rps sustained is well under the
		// default app-level limit.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// postJSON sends a JSON body to path and returns the raw outcome.
// Transport failures return an error; HTTP-level failures do not.
func (g *graphClient) postJSON(ctx context.Context, path string, body any) (*graphResponse, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return g.do(req)
}

// get issues a GET to path with the given query values.
func (g *graphClient) get(ctx context.Context, path string, query url.Values) (*graphResponse, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	return g.do(req)
}

func (g *graphClient) do(req *http.Request) (*graphResponse, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	out := &graphResponse{StatusCode: resp.StatusCode, Body: body}
	var parsed graphErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		out.GraphErr = parsed.Error
	}
	return out, nil
}

// providerCode returns the embedded Graph application error code, if any.
func (r *graphResponse) providerCode() int {
	if r.GraphErr == nil {
		return 0
	}
	return r.GraphErr.Code
}
