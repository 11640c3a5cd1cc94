// Package jobapi talks to the remote tuning service: session bootstrap,
// configuration requests, iteration results, heartbeats and status updates.
package jobapi

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
	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
)

const (
	apiKeyHeader    = "X-HYPER-API-KEY"
	requestIDHeader = "X-Request-Id"

	// TimestampLayout matches the service's timestamp parser.
	TimestampLayout = "2006-01-02 15:04:05.000000"

	defaultBackoff = 30 * time.Second
	maxErrorBody   = 2048
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// ProtocolError is an explicit error payload from the service. It means the
// session itself is invalid and must not be retried.
type ProtocolError struct {
	Payload json.RawMessage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tuning service rejected the session: %s", string(e.Payload))
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

type Options struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
	Clock      clock.Clock
	// Backoff is the pause before re-fetching a request after a failed
	// result submission.
	Backoff time.Duration
	Logger  *logrus.Entry
}

type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	clock   clock.Clock
	backoff time.Duration
	log     *logrus.Entry
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.Endpoint)
	if raw == "" {
		return nil, errors.New("jobapi: endpoint is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("jobapi: parse endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("jobapi: unsupported endpoint scheme %q", base.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "jobapi")
	}
	return &Client{
		base:    base,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		clock:   opts.Clock,
		backoff: opts.Backoff,
		log:     opts.Logger,
	}, nil
}

// do sends in as JSON (when non-nil) and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	target := c.base.ResolveReference(ref).String()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set(requestIDHeader, uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPError{Method: method, URL: target, Status: resp.StatusCode, Body: snippet}
	}
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("job api call")
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decode(path, data, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(path, data, out)
}

func decode(path string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Timestamp formats t the way the service expects.
func Timestamp(t time.Time) string { return t.Format(TimestampLayout) }
