// Package pral is a single-attempt HTTP client for the PRAL Digital Invoicing API.
package pral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/taxlink-pk/taxlink/internal/fbr"
)

// DefaultBaseURL is the PRAL gateway.
const DefaultBaseURL = "https://gw.fbr.gov.pk"

const (
	pathSubmitSandbox      = "/di_data/v1/di/postinvoicedata_sb"
	pathSubmitProduction   = "/di_data/v1/di/postinvoicedata"
	pathValidateSandbox    = "/di_data/v1/di/validateinvoicedata_sb"
	pathValidateProduction = "/di_data/v1/di/validateinvoicedata"

	maxResponseBytes = 1 << 20
)

// ErrMissingToken is returned when an authenticated call has no bearer token.
var ErrMissingToken = errors.New("pral: bearer token not configured")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pral: request failed with status %d", e.StatusCode)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	Environment fbr.Environment
	Token       string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client wraps the authority endpoints for one environment and token.
type Client struct {
	baseURL    string
	env        fbr.Environment
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a client.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("pral: invalid environment %q", cfg.Environment)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		env:        cfg.Environment,
		token:      cfg.Token,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "pral"), slog.String("environment", string(cfg.Environment))),
	}, nil
}

// Environment returns the environment the client targets.
func (c *Client) Environment() fbr.Environment {
	return c.env
}

// SubmitInvoice posts the invoice to the environment's submission endpoint.
// In sandbox a validation pre-check runs first; its failures are only logged.
func (c *Client) SubmitInvoice(ctx context.Context, inv *WireInvoice) (*WireResponse, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}
	if c.env == fbr.Sandbox {
		if resp, err := c.ValidateInvoice(ctx, inv); err != nil {
			c.logger.Warn("sandbox pre-validation failed", slog.Any("error", err))
		} else if !resp.Success() {
			c.logger.Warn("sandbox pre-validation rejected invoice",
				slog.String("status_code", resp.StatusCode),
				slog.String("error_code", resp.ErrorCode),
				slog.String("error", resp.Error))
		}
	}

	path := pathSubmitSandbox
	if c.env == fbr.Production {
		path = pathSubmitProduction
	}
	body, err := c.postJSON(ctx, path, inv)
	if err != nil {
		return nil, err
	}
	resp, err := DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.Success() && resp.InvoiceNumber == "" {
		return nil, fmt.Errorf("%w: success without invoiceNumber", ErrMalformedResponse)
	}
	return resp, nil
}

// ValidateInvoice posts the invoice to the validation endpoint without filing it.
func (c *Client) ValidateInvoice(ctx context.Context, inv *WireInvoice) (*WireResponse, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}
	path := pathValidateSandbox
	if c.env == fbr.Production {
		path = pathValidateProduction
	}
	body, err := c.postJSON(ctx, path, inv)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(body)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pral: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pral: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pral: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("pral: read response: %w", err)
	}
	c.logger.Debug("pral request",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
