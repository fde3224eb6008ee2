package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"

	appLog "calsync/internal/log"
)

// DefaultTokenPath returns the XDG data path for the persisted OAuth token.
func DefaultTokenPath() string {
	return filepath.Join(xdg.DataHome, "calsync", "oauth-token.json")
}

// NewOAuthConfig builds the client config used to refresh tokens. Sign-in
// itself happens elsewhere; this process only refreshes.
func NewOAuthConfig(clientID, clientSecret, tokenURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: tokenURL,
		},
	}
}

// OAuthProvider refreshes a persisted OAuth token on demand and writes
// refreshed tokens back to disk.
type OAuthProvider struct {
	path string

	mu   sync.Mutex
	src  oauth2.TokenSource
	last string
}

// NewOAuthProvider loads the token at path. A missing file is not an error:
// the provider reports Authenticated() == false until a token is saved.
func NewOAuthProvider(cfg *oauth2.Config, path string) (*OAuthProvider, error) {
	if path == "" {
		path = DefaultTokenPath()
	}
	p := &OAuthProvider{path: path}

	tok, err := LoadToken(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			appLog.Info("no oauth token on disk; running signed out", "path", path)
			return p, nil
		}
		return nil, err
	}

	// The source outlives any single request, so it gets a background context.
	p.src = oauth2.ReuseTokenSource(tok, cfg.TokenSource(context.Background(), tok))
	p.last = tok.AccessToken
	return p, nil
}

// Authenticated reports whether a token was found on disk.
func (p *OAuthProvider) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src != nil
}

// Token returns a valid access token, refreshing it if needed. The refresh
// round trip is abandoned when ctx is cancelled.
func (p *OAuthProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return "", ErrNotSignedIn
	}

	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := src.Token()
		ch <- result{t, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", context.Cause(ctx)
	case r = <-ch:
	}
	if r.err != nil {
		return "", fmt.Errorf("refresh oauth token: %w", r.err)
	}

	p.mu.Lock()
	refreshed := r.tok.AccessToken != p.last
	p.last = r.tok.AccessToken
	p.mu.Unlock()
	if refreshed {
		if err := SaveToken(p.path, r.tok); err != nil {
			// The token is still usable for this process.
			appLog.Error("persist refreshed oauth token failed", err, "path", p.path)
		}
	}
	return r.tok.AccessToken, nil
}

// SaveToken writes token to path with owner-only permissions.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return nil
}

// LoadToken reads a token written by SaveToken. A missing file yields an
// error matching fs.ErrNotExist.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}
