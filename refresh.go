package flume

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefreshSkew is the window before expiry in which a token is treated as
// already expired, so a tick never starts with a token about to lapse.
const RefreshSkew = 5 * time.Minute

const (
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	tiktokTokenEndpoint = "https://open.tiktokapis.com/v2/oauth/token/"
)

// Refresher exchanges refresh tokens for fresh access tokens and writes the
// result back to the metadata store. Providers it does not know are skipped,
// keeping the existing access token in play.
type Refresher struct {
	client       *http.Client
	store        Store
	logf         func(format string, args ...any)
	googleURL    string
	tiktokURL    string
	googleID     string
	googleSecret string
	tiktokKey    string
	tiktokSecret string
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithRefreshClient overrides the HTTP client used for token exchanges.
func WithRefreshClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithGoogleApp sets the Google OAuth client credentials.
func WithGoogleApp(clientID, clientSecret string) RefresherOption {
	return func(r *Refresher) {
		r.googleID = clientID
		r.googleSecret = clientSecret
	}
}

// WithTikTokApp sets the TikTok OAuth client credentials.
func WithTikTokApp(clientKey, clientSecret string) RefresherOption {
	return func(r *Refresher) {
		r.tiktokKey = clientKey
		r.tiktokSecret = clientSecret
	}
}

// WithGoogleEndpoint overrides the Google token endpoint.
func WithGoogleEndpoint(u string) RefresherOption {
	return func(r *Refresher) { r.googleURL = u }
}

// WithTikTokEndpoint overrides the TikTok token endpoint.
func WithTikTokEndpoint(u string) RefresherOption {
	return func(r *Refresher) { r.tiktokURL = u }
}

// WithRefreshLogf overrides the refresher's log function.
func WithRefreshLogf(logf func(format string, args ...any)) RefresherOption {
	return func(r *Refresher) { r.logf = logf }
}

// NewRefresher creates a refresher writing back through store.
func NewRefresher(store Store, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		client:    &http.Client{Timeout: 30 * time.Second},
		store:     store,
		logf:      log.Printf,
		googleURL: googleTokenEndpoint,
		tiktokURL: tiktokTokenEndpoint,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NeedsRefresh reports whether ua's access token should be exchanged before
// use: a refresh token exists and the expiry is missing or inside the skew
// window.
func (r *Refresher) NeedsRefresh(ua *UserAutomation, now time.Time) bool {
	if ua.RefreshToken == "" {
		return false
	}
	return ua.TokenExpiry.IsZero() || ua.TokenExpiry.Before(now.Add(RefreshSkew))
}

// Refresh exchanges ua's refresh token with its provider and updates ua in
// place. A store write-back failure is logged and tolerated; the caller
// proceeds with the in-memory values. A provider failure returns AuthError.
func (r *Refresher) Refresh(ctx context.Context, ua *UserAutomation) error {
	var (
		tok *tokenResponse
		err error
	)
	switch strings.ToLower(ua.Provider) {
	case "google":
		tok, err = r.refreshGoogle(ctx, ua.RefreshToken)
	case "tiktok":
		tok, err = r.refreshTikTok(ctx, ua.RefreshToken)
	default:
		r.logf(" [refresh] provider %q unknown, keeping existing token for %s", ua.Provider, ua.ID)
		return nil
	}
	if err != nil {
		return &AuthError{Provider: ua.Provider, Reason: err.Error()}
	}

	ua.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		ua.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		ua.TokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	if err := r.store.UpdateTokens(ctx, ua.ID, ua.AccessToken, ua.RefreshToken, ua.TokenExpiry); err != nil {
		r.logf(" [refresh] token write-back failed for %s: %v", ua.ID, err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r *Refresher) refreshGoogle(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":     {r.googleID},
		"client_secret": {r.googleSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	return r.exchange(ctx, r.googleURL, form)
}

func (r *Refresher) refreshTikTok(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"client_key":    {r.tiktokKey},
		"client_secret": {r.tiktokSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	return r.exchange(ctx, r.tiktokURL, form)
}

func (r *Refresher) exchange(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if tok.Error != "" {
		return nil, fmt.Errorf("%s: %s", tok.Error, tok.ErrorDesc)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}
	return &tok, nil
}
