package providers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kyleturman/houston-sub001/internal/backoff"
)

// defaultMaxAttempts bounds rate-limit retries per request.
const defaultMaxAttempts = 5

// Transport issues provider HTTP requests with rate-limit retry. A 429
// response is retried up to the attempt bound, honoring a numeric
// Retry-After header when present and falling back to exponential backoff.
// Every other non-2xx response is a hard failure carrying the status code
// and a truncated body. Mid-stream read failures are the caller's to
// surface; no partial-stream retry is attempted.
type Transport struct {
	client      *http.Client
	maxAttempts int
	policy      backoff.Policy
	logger      *slog.Logger
}

// transportRequest is a replayable request: the body is a byte slice so each
// retry attempt can rebuild the reader.
type transportRequest struct {
	method string
	url    string
	header http.Header
	body   []byte
}

// NewTransport creates a transport with the given read timeout, applied to
// both streaming and non-streaming requests.
func NewTransport(timeout time.Duration, logger *slog.Logger) *Transport {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: defaultMaxAttempts,
		policy:      backoff.Default(),
		logger:      logger,
	}
}

// Do performs a non-streaming request and returns the response body.
func (t *Transport) Do(ctx context.Context, provider, model string, req transportRequest) ([]byte, error) {
	resp, err := t.send(ctx, provider, model, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError(provider, model, err)
	}
	return body, nil
}

// Stream performs a streaming request and returns the response body reader
// once a 2xx status has been established. The caller owns closing it, and a
// failure mid-read must be surfaced as a hard error; re-issuing the request
// is the caller's decision.
func (t *Transport) Stream(ctx context.Context, provider, model string, req transportRequest) (io.ReadCloser, error) {
	resp, err := t.send(ctx, provider, model, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t *Transport) send(ctx context.Context, provider, model string, req transportRequest) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bytes.NewReader(req.body))
		if err != nil {
			return nil, newTransportError(provider, model, err)
		}
		for key, values := range req.header {
			httpReq.Header[key] = values
		}

		resp, err := t.client.Do(httpReq)
		if err != nil {
			return nil, newTransportError(provider, model, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		resp.Body.Close()

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= t.maxAttempts {
			return nil, newHTTPError(provider, model, resp.StatusCode, body)
		}

		delay, ok := retryAfter(resp)
		if !ok {
			delay = t.policy.Delay(attempt)
		}
		t.logger.Warn("provider rate limited, backing off",
			"provider", provider,
			"model", model,
			"attempt", attempt,
			"delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, newTransportError(provider, model, err)
		}
	}
}

// retryAfter parses a numeric Retry-After header in seconds.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
