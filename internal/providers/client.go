package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/neurostuff/studysync/internal/telemetry"
)

var tracer = telemetry.Tracer("studysync/providers")

// Options configures an HTTP provider client. Zero values select defaults.
type Options struct {
	BaseURL    string        // override the public API root (tests)
	Timeout    time.Duration // per-request timeout
	RatePerSec float64       // outbound request pacing; <= 0 disables it
	HTTPClient *http.Client
}

// httpClient is the shared JSON GET helper for provider APIs.
type httpClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	header  http.Header
}

func newHTTPClient(name, defaultBase string, defaultRate float64, opts Options) *httpClient {
	base := opts.BaseURL
	if base == "" {
		base = defaultBase
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	perSec := opts.RatePerSec
	if perSec == 0 {
		perSec = defaultRate
	}
	var limiter *rate.Limiter
	if perSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	return &httpClient{name: name, baseURL: base, http: hc, limiter: limiter, header: http.Header{}}
}

// getJSON issues GET baseURL+path?query and decodes the body into out. It
// returns found=false on 404. Rate limiting, 5xx and network failures wrap
// ErrTransient.
func (c *httpClient) getJSON(ctx context.Context, path string, query url.Values, out any) (found bool, err error) {
	ctx, span := tracer.Start(ctx, c.name+".get")
	span.SetAttributes(attribute.String("provider", c.name), attribute.String("http.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("%s: rate limit wait: %w: %w", c.name, ErrTransient, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTransientNetErr(err) {
			return false, fmt.Errorf("%s: send request: %w: %w", c.name, ErrTransient, err)
		}
		return false, fmt.Errorf("%s: send request: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("%s: status %d: %w: %s", c.name, resp.StatusCode, ErrTransient, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("%s: status %d: %s", c.name, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return true, nil
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// decodeAs re-decodes a loosely typed JSON value into T.
func decodeAs[T any](raw any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("providers: re-encode: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("providers: decode: %w", err)
	}
	return out, nil
}
