package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"role-sync/internal/domain"
)

// DefaultSPWorldsAPIURL is the SP-Worlds public API base URL.
const DefaultSPWorldsAPIURL = "https://spworlds.ru/api/public"

// SPWorldsGateway implements domain.SecondaryIdentityResolver.
type SPWorldsGateway struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	logger     *slog.Logger
}

// SPWorldsConfig configures an SPWorldsGateway.
type SPWorldsConfig struct {
	BaseURL  string
	MapID    string
	MapToken string
	Timeout  time.Duration
}

// NewSPWorldsGateway creates a new SP-Worlds gateway.
func NewSPWorldsGateway(cfg SPWorldsConfig, logger *slog.Logger) *SPWorldsGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSPWorldsAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(cfg.MapID + ":" + cfg.MapToken))
	return &SPWorldsGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: "Bearer " + credentials,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger.With("component", "spworlds_gateway"),
	}
}

type spworldsUser struct {
	Username string `json:"username"`
	UUID     string `json:"uuid"`
}

// ResolveSecondaryIdentity looks up the game account linked to a Discord id.
func (g *SPWorldsGateway) ResolveSecondaryIdentity(ctx context.Context, discordID string) (*domain.SecondaryIdentity, error) {
	if discordID == "" {
		return nil, domain.ErrSecondaryNotFound
	}

	resp, err := g.get(ctx, "/users/"+url.PathEscape(discordID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrSecondaryNotFound
	default:
		g.logger.WarnContext(ctx, "spworlds lookup failed", "status_code", resp.StatusCode, "discord_id", discordID)
		return nil, fmt.Errorf("%w: spworlds returned status %d", domain.ErrExternalUnavailable, resp.StatusCode)
	}

	var u spworldsUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("%w: decode spworlds user: %w", domain.ErrExternalUnavailable, err)
	}
	if u.Username == "" && u.UUID == "" {
		return nil, domain.ErrSecondaryNotFound
	}
	return &domain.SecondaryIdentity{DisplayName: u.Username, LinkedUUID: u.UUID}, nil
}

// Ping reports whether the API answers. A 404 for an unknown user counts as reachable.
func (g *SPWorldsGateway) Ping(ctx context.Context) error {
	resp, err := g.get(ctx, "/users/1")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: spworlds returned status %d", domain.ErrExternalUnavailable, resp.StatusCode)
	}
	return nil
}

func (g *SPWorldsGateway) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", g.authHeader)
	req.Header.Set("User-Agent", userAgent)
	return g.httpClient.Do(req)
}
