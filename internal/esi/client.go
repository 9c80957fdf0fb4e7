package esi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"indytrack.org/internal/credential"
)

var (
	ErrAuthExchangeFailed = errors.New("esi: authorization exchange failed")
	ErrRemoteUnavailable  = errors.New("esi: remote unavailable")
	ErrInvalidIdentity    = errors.New("esi: invalid identity token")
)

const (
	defaultTimeout  = 20 * time.Second
	defaultLifetime = 20 * time.Minute
)

// Config describes the SSO application and the ESI endpoint.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	AuthorizeURL string
	TokenURL     string
	Scopes       []string

	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Client talks to the remote authority: SSO grant exchanges and ESI reads.
// It holds no per-principal state.
type Client struct {
	oauth     *oauth2.Config
	http      *http.Client
	baseURL   string
	userAgent string
	timeout   time.Duration
	limiter   *rate.Limiter
	now       func() time.Time
}

var _ credential.Renewer = (*Client)(nil)

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the transport used for every remote call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("esi: client id and secret are required")
	}
	if strings.TrimSpace(cfg.TokenURL) == "" || strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("esi: token url and base url are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		http:      &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AuthCodeURL returns the authorize URL the user is redirected to.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades a single-use authorization code for a grant. The code
// must not be retried after a failure.
func (c *Client) ExchangeCode(ctx context.Context, code string) (credential.Grant, error) {
	if strings.TrimSpace(code) == "" {
		return credential.Grant{}, fmt.Errorf("%w: empty code", ErrAuthExchangeFailed)
	}
	ctx, cancel := c.tokenContext(ctx)
	defer cancel()

	start := c.now()
	tok, err := c.oauth.Exchange(ctx, code)
	c.observeToken("exchange", start, err)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("%w: %w", ErrAuthExchangeFailed, err)
	}
	return c.grant(tok), nil
}

// Renew trades a refresh token for a fresh grant.
func (c *Client) Renew(ctx context.Context, refreshToken string) (credential.Grant, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return credential.Grant{}, fmt.Errorf("%w: empty refresh token", ErrAuthExchangeFailed)
	}
	ctx, cancel := c.tokenContext(ctx)
	defer cancel()

	start := c.now()
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	c.observeToken("refresh", start, err)
	if err != nil {
		return credential.Grant{}, fmt.Errorf("%w: %w", ErrAuthExchangeFailed, err)
	}
	return c.grant(tok), nil
}

func (c *Client) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.http), cancel
}

func (c *Client) grant(tok *oauth2.Token) credential.Grant {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = c.now().Add(defaultLifetime)
	}
	return credential.Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiry.UTC(),
	}
}

func (c *Client) observeToken(scope string, start time.Time, err error) {
	status := http.StatusOK
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &re) && re.Response != nil:
		status = re.Response.StatusCode
	case err != nil:
		status = 0
	}
	observe(scope, status, c.now().Sub(start))
}
