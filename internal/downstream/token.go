package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// expirySkew renews tokens slightly before the identity provider would reject them.
const expirySkew = 10 * time.Second

type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

type token struct {
	value     string
	expiresAt time.Time
}

func (t *token) expired(now time.Time) bool {
	return t == nil || !now.Before(t.expiresAt.Add(-expirySkew))
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenProvider hands out bearer tokens for the downstream API. It logs in with the
// password grant when it holds no token or the refresh token expired, and uses the
// refresh grant when only the access token expired. Concurrent callers share a single
// in-flight renewal.
type TokenProvider struct {
	endpoint    string
	credentials Credentials
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	access  *token
	refresh *token
	renewal singleflight.Group
}

func NewTokenProvider(endpoint string, credentials Credentials, httpClient *http.Client, logger *slog.Logger) *TokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenProvider{
		endpoint:    endpoint,
		credentials: credentials,
		httpClient:  httpClient,
		logger:      logger,
		now:         time.Now,
	}
}

// AccessToken returns a valid bearer token, re-authenticating when needed.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.RLock()
	access := p.access
	p.mu.RUnlock()
	if !access.expired(p.now()) {
		return access.value, nil
	}

	// The flight outlives any one caller; each request is bounded by the HTTP client
	// timeout.
	flight := p.renewal.DoChan("token", func() (any, error) {
		return p.renew(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *TokenProvider) renew(ctx context.Context) (string, error) {
	now := p.now()

	p.mu.RLock()
	access, refresh := p.access, p.refresh
	p.mu.RUnlock()

	// Another caller may have renewed between our read and joining the flight.
	if !access.expired(now) {
		return access.value, nil
	}

	var (
		resp *tokenResponse
		err  error
	)
	switch {
	case access == nil || refresh == nil:
		p.logger.Debug("no downstream tokens, logging in")
		resp, err = p.login(ctx)
	case refresh.expired(now):
		p.logger.Debug("downstream refresh token expired, logging in")
		resp, err = p.login(ctx)
	default:
		p.logger.Debug("downstream access token expired, refreshing")
		resp, err = p.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {p.credentials.ClientID},
			"client_secret": {p.credentials.ClientSecret},
			"refresh_token": {refresh.value},
		})
		if err != nil {
			// A full login supersedes a failed refresh.
			p.logger.Warn("downstream token refresh failed, logging in", "error", err)
			resp, err = p.login(ctx)
		}
	}
	if err != nil {
		return "", err
	}

	issued := p.now()
	newAccess := &token{value: resp.AccessToken, expiresAt: expiresAt(resp.AccessToken, resp.ExpiresIn, issued)}
	newRefresh := &token{value: resp.RefreshToken, expiresAt: expiresAt(resp.RefreshToken, resp.RefreshExpiresIn, issued)}

	p.mu.Lock()
	p.access, p.refresh = newAccess, newRefresh
	p.mu.Unlock()
	return newAccess.value, nil
}

func (p *TokenProvider) login(ctx context.Context) (*tokenResponse, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":    {"password"},
		"client_id":     {p.credentials.ClientID},
		"client_secret": {p.credentials.ClientSecret},
		"username":      {p.credentials.Username},
		"password":      {p.credentials.Password},
	})
}

func (p *TokenProvider) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := parsed.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &StatusError{Status: resp.StatusCode, Code: parsed.Error, Message: msg}
	}
	if parsed.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return &parsed, nil
}

// expiresAt prefers the lifetime the identity provider reported and falls back to the
// token's own exp claim.
func expiresAt(raw string, expiresIn int, issued time.Time) time.Time {
	if expiresIn > 0 {
		return issued.Add(time.Duration(expiresIn) * time.Second)
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return issued
}
