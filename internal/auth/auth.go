// Package auth supplies bearer tokens for the remote calendar API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "calsync/internal/log"
)

// TokenProvider hands out short-lived bearer tokens. Token may fail
// transiently; a failure has no side effects and can be retried.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Authenticated reports whether a user is signed in at all.
	Authenticated() bool
}

var (
	ErrTokenUnavailable = errors.New("access token unavailable")
	ErrNotSignedIn      = errors.New("not signed in")
)

// Acquire asks p for a token up to attempts times, sleeping backoff between
// tries. Cancellation of ctx is returned as context.Cause(ctx) right away.
// Exhausting all attempts yields an error wrapping ErrTokenUnavailable.
func Acquire(ctx context.Context, p TokenProvider, attempts int, backoff time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}

		tok, err := p.Token(ctx)
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if err == nil && strings.TrimSpace(tok) != "" {
			return tok, nil
		}
		if err == nil {
			err = errors.New("provider returned an empty token")
		}
		lastErr = err
		appLog.Warn("token attempt failed", "attempt", i, "of", attempts, "err", err)

		if i == attempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", context.Cause(ctx)
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrTokenUnavailable, attempts, lastErr)
}

// Static serves a fixed token, e.g. one supplied via CALSYNC_API_TOKEN.
type Static struct {
	token string
}

// NewStatic returns a provider for token. An empty token means signed out.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

func (s *Static) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNotSignedIn
	}
	return s.token, nil
}

func (s *Static) Authenticated() bool {
	return s.token != ""
}
