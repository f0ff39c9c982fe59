package fal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenRequest is the body sent to the token endpoint.
type TokenRequest struct {
	AllowedApps     []string `json:"allowed_apps"`
	TokenExpiration int      `json:"token_expiration"`
}

// IssueToken requests a short-lived access token scoped to app. lifetime is
// sent in whole seconds, the unit the token endpoint expects.
func (c *Client) IssueToken(ctx context.Context, app string, lifetime time.Duration) (string, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return "", fmt.Errorf("%w: app identifier required", ErrInvalidResponse)
	}
	body := TokenRequest{
		AllowedApps:     []string{app},
		TokenExpiration: int(lifetime / time.Second),
	}
	raw, err := c.do(ctx, http.MethodPost, c.tokenURL, body)
	if err != nil {
		return "", err
	}
	if msg, ok := upstreamError(raw); ok {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("%w: token is not a JSON string", ErrInvalidResponse)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidResponse)
	}
	return token, nil
}
