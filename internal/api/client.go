// Package api is the HTTP wire client for the platform API. Every response
// body is the platform envelope {state, message, code, data}.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConflict = errors.New("conflict")

// APIError is a non-2xx response decoded from the platform envelope.
type APIError struct {
	StatusCode int
	Code       int
	State      string
	Message    string
}

func (e *APIError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.State, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// Envelope is the platform's response wrapper.
type Envelope struct {
	State   string          `json:"state"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type TokenProvider func(ctx context.Context) (string, error)

type Options struct {
	BaseURL    string
	Token      TokenProvider
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	userAgent  string
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      opts.Token,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// DoEnvelope performs one request and decodes the envelope. It does not
// retry; callers own their retry policy.
func (c *Client) DoEnvelope(ctx context.Context, method, requestPath string, query url.Values, body any) (*Envelope, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		token, tokenErr := c.token(ctx)
		if tokenErr != nil {
			return nil, tokenErr
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	var envelope Envelope
	if len(payloadBytes) > 0 {
		// A non-envelope body is tolerated; the raw text becomes the message.
		if jsonErr := json.Unmarshal(payloadBytes, &envelope); jsonErr != nil {
			envelope = Envelope{Message: strings.TrimSpace(string(payloadBytes))}
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &envelope, nil
	}
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Code,
		State:      envelope.State,
		Message:    envelope.Message,
	}
}

func correlationID() string {
	return "cli_" + uuid.NewString()
}
