package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	statusPath = "exa.language_server_pb.LanguageServerService/GetUserStatus"
	csrfHeader = "X-Cascade-Csrf-Token"
	ideName    = "cascade-usage"
)

// StatusError is a non-2xx response that was not (or no longer) eligible
// for retry.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status API returned HTTP %d", e.Code)
}

var (
	// ErrTimeout marks a request aborted by the per-request timeout.
	ErrTimeout = errors.New("status API request timed out")

	// ErrNetwork marks a transport-level failure before any response.
	ErrNetwork = errors.New("status API unreachable")
)

// Options configures the client. Zero values fall back to the defaults.
type Options struct {
	TLSVerify   bool
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultTimeout     = 2500 * time.Millisecond
)

// Client talks to the language server's loopback HTTPS status API.
// Server-side (5xx), network and timeout failures are retried with a linear
// backoff; 4xx responses fail immediately since the credential or request
// shape itself is wrong.
type Client struct {
	http        *http.Client
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *zap.Logger

	// sleep is injectable so retry timing is testable without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client. The language server serves a self-signed
// certificate, so opts.TLSVerify=false is the common configuration against
// real servers.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.TLSVerify}
	return &Client{
		http:        &http.Client{Transport: transport},
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		timeout:     opts.Timeout,
		logger:      logger,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetUserStatus fetches the current plan and per-model quota state through
// the given validated port and token.
func (c *Client) GetUserStatus(ctx context.Context, port int, token string) (*UserStatus, error) {
	body, err := c.request(ctx, port, token, statusPath, statusRequest{
		Metadata: requestMetadata{IdeName: ideName},
	})
	if err != nil {
		return nil, err
	}
	var status UserStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode user status: %w", err)
	}
	return &status, nil
}

// Probe validates that a candidate port answers an authenticated status
// request. Used by the connection cache during port validation.
func (c *Client) Probe(ctx context.Context, port int, token string) error {
	_, err := c.GetUserStatus(ctx, port, token)
	return err
}

// request issues an authenticated POST and returns the raw response body,
// retrying retry-eligible failures up to the configured attempt limit with a
// baseDelay*attempt pause between attempts.
func (c *Client) request(ctx context.Context, port int, token, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		data, err := c.once(ctx, port, token, path, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.logger.Debug("status API request failed",
			zap.Int("attempt", attempt), zap.Int("port", port), zap.Error(err))
		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, c.baseDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, port int, token, path string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("https://127.0.0.1:%d/%s", port, path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(reqCtx, err) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}
	return data, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryable reports whether an error is worth another attempt: 5xx, network
// and timeout failures are; 4xx never is.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

type statusRequest struct {
	Metadata requestMetadata `json:"metadata"`
}

type requestMetadata struct {
	IdeName string `json:"ideName"`
}
