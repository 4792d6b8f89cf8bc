package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SignInPath is the server route for anonymous sign-in.
const SignInPath = "/api/auth/anonymous"

// DefaultAttempts bounds SignIn retries.
const DefaultAttempts = 3

// AuthError is a sign-in failure after retries were exhausted or the server
// refused the request outright.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("identity: sign-in failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type SignInOptions struct {
	Client   *http.Client
	Attempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// SignIn asks the server at baseURL for an anonymous identity. Network errors,
// 429 and 5xx responses are retried with exponential backoff; other failures
// are returned immediately.
func SignIn(ctx context.Context, baseURL, username string, opts SignInOptions) (*Identity, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	body, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(baseURL, "/") + SignInPath

	attempts := 0
	var ident Identity
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := opts.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			var payload struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&payload)
			if payload.Error == "" {
				payload.Error = resp.Status
			}
			return backoff.Permanent(errors.New(payload.Error))
		}
		if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
			return backoff.Permanent(fmt.Errorf("decode identity: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.Attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &AuthError{Attempts: attempts, Err: err}
	}
	return &ident, nil
}
