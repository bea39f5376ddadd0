package zabbix

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EnsureToken returns the secret of a named long-lived API token, creating
// the token when absent and regenerating its secret when reusing an existing
// unexpired one (the API never re-exposes a secret after generation).
// Expired tokens are replaced by a fresh one valid for ttl.
// Requires an authenticated session with token-management permission.
func (c *Client) EnsureToken(ctx context.Context, name string, ttl time.Duration) (string, error) {
	existing, err := c.findToken(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil && !existing.expired() {
		c.log.Infow("reusing api token", "url", c.url, "token", name)
		return c.generateToken(ctx, existing.TokenID)
	}

	expiresAt := time.Now().Add(ttl).Unix()
	tokenID, err := c.createToken(ctx, name, expiresAt)
	if err != nil {
		return "", err
	}
	c.log.Infow("created api token", "url", c.url, "token", name)
	return c.generateToken(ctx, tokenID)
}

type apiToken struct {
	TokenID   string `json:"tokenid"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at"`
}

// expired reports whether the token has an expiry in the past.
// "0" means the token never expires.
func (t *apiToken) expired() bool {
	if t.ExpiresAt == "0" || t.ExpiresAt == "" {
		return false
	}
	exp, err := strconv.ParseInt(t.ExpiresAt, 10, 64)
	if err != nil {
		return true
	}
	return exp <= time.Now().Unix()
}

func (c *Client) findToken(ctx context.Context, name string) (*apiToken, error) {
	raw, err := c.Call(ctx, "token.get", map[string]any{
		"output": "extend",
		"filter": map[string]any{"name": name},
	})
	if err != nil {
		return nil, err
	}
	var tokens []apiToken
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("zabbix: token.get: decode result: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return &tokens[0], nil
}

func (c *Client) createToken(ctx context.Context, name string, expiresAt int64) (string, error) {
	raw, err := c.Call(ctx, "token.create", []map[string]any{{
		"name":       name,
		"expires_at": expiresAt,
	}})
	if err != nil {
		return "", err
	}
	var created struct {
		TokenIDs []string `json:"tokenids"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("zabbix: token.create: decode result: %w", err)
	}
	if len(created.TokenIDs) == 0 {
		return "", fmt.Errorf("zabbix: token.create: no token id in result")
	}
	return created.TokenIDs[0], nil
}

func (c *Client) generateToken(ctx context.Context, tokenID string) (string, error) {
	raw, err := c.Call(ctx, "token.generate", []string{tokenID})
	if err != nil {
		return "", err
	}
	var generated []struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &generated); err != nil {
		return "", fmt.Errorf("zabbix: token.generate: decode result: %w", err)
	}
	if len(generated) == 0 || generated[0].Token == "" {
		return "", fmt.Errorf("zabbix: token.generate: no secret in result")
	}
	return generated[0].Token, nil
}
