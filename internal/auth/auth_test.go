package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type flakyProvider struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyProvider) Token(context.Context) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", errors.New("transient")
	}
	return "tok", nil
}

func (f *flakyProvider) Authenticated() bool { return true }

func TestAcquireRetriesUntilSuccess(t *testing.T) {
	p := &flakyProvider{failures: 2}
	tok, err := Acquire(context.Background(), p, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestAcquireGivesUpAfterAttempts(t *testing.T) {
	p := &flakyProvider{failures: 10}
	_, err := Acquire(context.Background(), p, 3, time.Millisecond)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestAcquireReturnsCancellationCause(t *testing.T) {
	cause := errors.New("superseded")
	ctx, cancel := context.WithCancelCause(context.Background())
	p := &flakyProvider{failures: 10}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()
	_, err := Acquire(ctx, p, 3, time.Hour)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTokenUnavailable)
}

func TestStatic(t *testing.T) {
	s := NewStatic("  abc ")
	assert.True(t, s.Authenticated())
	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	empty := NewStatic("")
	assert.False(t, empty.Authenticated())
	_, err = empty.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestOAuthProviderWithoutTokenIsSignedOut(t *testing.T) {
	cfg := NewOAuthConfig("id", "secret", "http://127.0.0.1:0/token", nil)
	p, err := NewOAuthProvider(cfg, filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, p.Authenticated())
	_, err = p.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestOAuthProviderRefreshesAndPersists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	p, err := NewOAuthProvider(NewOAuthConfig("id", "secret", server.URL, nil), path)
	require.NoError(t, err)
	require.True(t, p.Authenticated())

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	saved, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "r2", saved.RefreshToken)
}
