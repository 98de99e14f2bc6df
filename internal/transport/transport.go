// Package transport is the authenticated HTTP session against the planning
// platform. Every call is throttled, JSON responses that fail to decode are
// re-requested exactly once, and login/upload failures carry their own
// error types.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"bfgsync/internal/clock"
)

type Config struct {
	// BaseURL is the platform root; request paths resolve against it the
	// way a browser resolves links.
	BaseURL  string
	Login    string
	Password string
	// Verify enables TLS certificate verification for REST calls.
	Verify bool

	// HTTPClient overrides the default client (cookie jar, Verify-aware TLS).
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger

	Throttle           time.Duration
	DecodeRetryBackoff time.Duration
	UploadDelay        time.Duration
	RequestTimeout     time.Duration
}

type Session struct {
	baseURL    *url.URL
	login      string
	password   string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	throttle           time.Duration
	decodeRetryBackoff time.Duration
	uploadDelay        time.Duration

	closeOnce sync.Once
}

// Response is a decoded-as-valid JSON platform response of any status.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Decode unmarshals the body into out, keeping numbers as json.Number
// when out holds interface values.
func (r *Response) Decode(out any) error {
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(r.Body))
	decoder.UseNumber()
	return decoder.Decode(out)
}

func New(cfg Config) (*Session, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTPClient(cfg.Verify, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		baseURL:            baseURL,
		login:              cfg.Login,
		password:           cfg.Password,
		httpClient:         httpClient,
		clock:              clk,
		logger:             logger,
		throttle:           cfg.Throttle,
		decodeRetryBackoff: cfg.DecodeRetryBackoff,
		uploadDelay:        cfg.UploadDelay,
	}, nil
}

func newHTTPClient(verify bool, timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: cookie jar: %w", err)
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected default transport %T", http.DefaultTransport)
	}
	roundTripper := base.Clone()
	if !verify {
		roundTripper.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // internal platform with self-signed certificates
	}
	return &http.Client{Jar: jar, Transport: roundTripper, Timeout: timeout}, nil
}

// Close releases pooled connections. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.httpClient.CloseIdleConnections()
	})
	return nil
}

// ResolveURL resolves path against the base URL.
func (s *Session) ResolveURL(path string, query url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("transport: invalid path %q: %w", path, err)
	}
	resolved := s.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		values := resolved.Query()
		for key, items := range query {
			for _, item := range items {
				values.Add(key, item)
			}
		}
		resolved.RawQuery = values.Encode()
	}
	return resolved.String(), nil
}

// Do issues one platform call. It waits the throttle delay, then requests
// the URL; when the body is not JSON it waits the decode backoff and
// requests again exactly once. Non-2xx statuses are returned, not failed.
func (s *Session) Do(ctx context.Context, method string, path string, query url.Values, body any) (*Response, error) {
	fullURL, err := s.ResolveURL(path, query)
	if err != nil {
		return nil, err
	}
	var encoded []byte
	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s %s body: %w", method, fullURL, err)
		}
	}

	s.logger.Debug("platform request", "method", method, "url", fullURL, "body_bytes", len(encoded))
	if err := s.clock.Sleep(ctx, s.throttle); err != nil {
		return nil, &TransportError{Method: method, URL: fullURL, Err: err}
	}

	var (
		response *Response
		lastErr  error
		calls    int
	)
	action := func(uint) error {
		calls++
		response, lastErr = s.roundTrip(ctx, method, fullURL, encoded)
		if lastErr != nil && errors.Is(lastErr, ErrDecode) {
			s.logger.Warn("platform response is not JSON", "method", method, "url", fullURL, "attempt", calls)
		}
		return lastErr
	}
	// Only an undecodable body earns the single second call.
	onlyDecodeFailures := func(uint) bool {
		return calls == 0 || (calls == 1 && errors.Is(lastErr, ErrDecode))
	}
	waitBackoff := func(uint) bool {
		if calls == 0 {
			return true
		}
		return s.clock.Sleep(ctx, s.decodeRetryBackoff) == nil
	}
	if err := retry.Retry(action, strategy.Limit(2), onlyDecodeFailures, waitBackoff); err != nil {
		return nil, &TransportError{Method: method, URL: fullURL, Err: err}
	}
	if response == nil {
		return nil, &TransportError{Method: method, URL: fullURL, Err: fmt.Errorf("no request was issued")}
	}

	s.logger.Debug("platform response", "method", method, "url", fullURL, "status", response.StatusCode, "body_bytes", len(response.Body))
	return response, nil
}

func (s *Session) roundTrip(ctx context.Context, method string, fullURL string, encoded []byte) (*Response, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if encoded != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return s.send(request)
}

func (s *Session) send(request *http.Request) (*Response, error) {
	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 && response.StatusCode >= 200 && response.StatusCode < 300 {
		trimmed = []byte("null")
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w (http %d, %d bytes)", ErrDecode, response.StatusCode, len(payload))
	}
	return &Response{StatusCode: response.StatusCode, Body: json.RawMessage(trimmed)}, nil
}

// Request issues a call and decodes a 2xx body into out. Non-2xx
// statuses become *StatusError.
func (s *Session) Request(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	response, err := s.Do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		fullURL, _ := s.ResolveURL(path, query)
		return &StatusError{Method: method, URL: fullURL, StatusCode: response.StatusCode, Body: response.Body}
	}
	if err := response.Decode(out); err != nil {
		fullURL, _ := s.ResolveURL(path, query)
		return &TransportError{Method: method, URL: fullURL, Err: fmt.Errorf("decode into %T: %w", out, err)}
	}
	return nil
}

func (s *Session) Get(ctx context.Context, path string, query url.Values, out any) error {
	return s.Request(ctx, http.MethodGet, path, query, nil, out)
}

func (s *Session) Post(ctx context.Context, path string, body any, out any) error {
	return s.Request(ctx, http.MethodPost, path, nil, body, out)
}

func (s *Session) Put(ctx context.Context, path string, body any, out any) error {
	return s.Request(ctx, http.MethodPut, path, nil, body, out)
}

func (s *Session) Delete(ctx context.Context, path string, out any) error {
	return s.Request(ctx, http.MethodDelete, path, nil, nil, out)
}

// ActionPath is the generic action dispatcher endpoint for name.
func ActionPath(name string) string {
	return "/action/" + strings.TrimLeft(name, "/")
}

// Action posts {"data": data} to the action dispatcher.
func (s *Session) Action(ctx context.Context, name string, data any, out any) error {
	return s.Post(ctx, ActionPath(name), map[string]any{"data": data}, out)
}

// ActionResponse is Action without status interpretation, for actions
// that report expected outcomes in error payloads.
func (s *Session) ActionResponse(ctx context.Context, name string, data any) (*Response, error) {
	return s.Do(ctx, http.MethodPost, ActionPath(name), nil, map[string]any{"data": data})
}
