package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aelexs/numberbroker/internal/domain"
)

// maxBodyBytes caps how much of a vendor reply is read.
const maxBodyBytes = 1 << 20

var (
	errVendorStatus = errors.New("vendor returned non-2xx status")
	errVendorReply  = errors.New("vendor returned an error reply")
)

// Config is the immutable configuration shared by every adapter.
type Config struct {
	BaseURL string
	APIKey  domain.SecretString
	Country string

	// Timeout bounds a single vendor call at the transport. Zero means
	// domain.DefaultVendorTimeout.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewHTTPClient returns an instrumented client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = domain.DefaultVendorTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// httpClient performs vendor GETs. It never mutates shared request state:
// every call receives its own query and header values.
type httpClient struct {
	vendor string
	client *http.Client
	logger *slog.Logger
}

func newHTTPClient(vendor string, cfg Config) httpClient {
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return httpClient{
		vendor: vendor,
		client: client,
		logger: logger.With(slog.String("vendor", vendor)),
	}
}

// get fetches endpoint and returns the body. Non-2xx statuses and bodies
// starting with "Error" are reported as errors.
func (c httpClient) get(ctx context.Context, endpoint string, query url.Values, header http.Header) ([]byte, error) {
	target := endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.vendor, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// url.Error embeds the full URL, which carries the API key for
		// query-authenticated vendors.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("%s: request: %w", c.vendor, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", c.vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: status %d: %w", c.vendor, resp.StatusCode, errVendorStatus)
	}
	body = bytes.TrimSpace(body)
	if bytes.HasPrefix(body, []byte("Error")) {
		return nil, fmt.Errorf("%s: %q: %w", c.vendor, truncate(body), errVendorReply)
	}
	return body, nil
}

func (c httpClient) getText(ctx context.Context, endpoint string, query url.Values, header http.Header) (string, error) {
	body, err := c.get(ctx, endpoint, query, header)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// getJSON decodes the reply into out. Empty objects and {"Error": ...}
// objects are vendor errors.
func (c httpClient) getJSON(ctx context.Context, endpoint string, query url.Values, header http.Header, out any) error {
	body, err := c.get(ctx, endpoint, query, header)
	if err != nil {
		return err
	}

	var probe map[string]json.RawMessage
	if json.Unmarshal(body, &probe) == nil {
		if len(probe) == 0 {
			return fmt.Errorf("%s: empty object: %w", c.vendor, errVendorReply)
		}
		if _, isErr := probe["Error"]; isErr && len(probe) == 1 {
			return fmt.Errorf("%s: %q: %w", c.vendor, truncate(body), errVendorReply)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %q: %w", c.vendor, truncate(body), err)
	}
	return nil
}

// vendorFailure logs a recovered vendor failure and counts it.
func (c httpClient) vendorFailure(ctx context.Context, op string, err error) {
	countError(ctx, c.vendor, op)
	c.logger.WarnContext(ctx, "vendor call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

func truncate(b []byte) string {
	const limit = 120
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
