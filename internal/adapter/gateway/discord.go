package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"role-sync/internal/domain"
)

// DefaultDiscordAPIURL is the Discord REST base URL.
const DefaultDiscordAPIURL = "https://discord.com/api/v10"

const userAgent = "role-sync/1.0"

// DiscordGateway implements domain.IdentityGateway against the Discord REST API.
type DiscordGateway struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// DiscordConfig configures a DiscordGateway.
type DiscordConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// NewDiscordGateway creates a new Discord gateway with tuned HTTP transport.
func NewDiscordGateway(cfg DiscordConfig, logger *slog.Logger) *DiscordGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDiscordAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordGateway{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   newHTTPClient(cfg.Timeout),
		logger:       logger.With("component", "discord_gateway"),
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

type guildMemberResponse struct {
	Roles []string `json:"roles"`
	Nick  string   `json:"nick"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// GetMembership returns the caller's membership in guildID.
func (g *DiscordGateway) GetMembership(ctx context.Context, accessToken, guildID string) (*domain.Membership, error) {
	endpoint := fmt.Sprintf("%s/users/@me/guilds/%s/member", g.baseURL, url.PathEscape(guildID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create guild member request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return nil, domain.ErrNotMember
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: discord returned status %d", domain.ErrCredentialRejected, resp.StatusCode)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited, retry after %s", domain.ErrExternalUnavailable, resp.Header.Get("Retry-After"))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		g.logger.WarnContext(ctx, "discord guild member lookup failed", "status_code", resp.StatusCode, "response_body", string(body))
		return nil, fmt.Errorf("%w: discord returned status %d", domain.ErrExternalUnavailable, resp.StatusCode)
	}

	var member guildMemberResponse
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, fmt.Errorf("%w: decode guild member: %w", domain.ErrExternalUnavailable, err)
	}
	if member.Roles == nil {
		member.Roles = []string{}
	}
	return &domain.Membership{RoleIDs: member.Roles, Nick: member.Nick}, nil
}

// RefreshToken exchanges a refresh token for a new token pair.
func (g *DiscordGateway) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/oauth2/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		g.logger.WarnContext(ctx, "discord token refresh failed", "status_code", resp.StatusCode, "response_body", string(body))

		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: discord rejected refresh token (status %d)", domain.ErrTokenRefreshFailed, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: discord returned status %d", domain.ErrExternalUnavailable, resp.StatusCode)
		}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", domain.ErrExternalUnavailable, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", domain.ErrTokenRefreshFailed)
	}

	return &domain.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}, nil
}
