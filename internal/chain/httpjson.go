package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cryptohook/cryptohook/internal/retry"
)

// maxBody bounds how much of an explorer response is read.
const maxBody = 4 << 20

// ErrStatus is wrapped by StatusError.
var ErrStatus = errors.New("unexpected HTTP status")

// StatusError is a non-2xx response from an explorer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// NewHTTPClient returns the client providers use when none is injected.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// GetJSON fetches url and decodes the body into out, retrying transport
// errors, 429 and 5xx responses under policy. Other 4xx responses fail
// immediately.
func GetJSON(ctx context.Context, client *http.Client, policy retry.Policy, url string, out any) error {
	return policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{Code: resp.StatusCode, Body: snippet(body)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return se
			}
			return retry.Permanent(se)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
