package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// restBaseURL derives the REST API base from the WebSocket endpoint:
// ws://host:8123/api/websocket becomes http://host:8123.
func restBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("URL %q has no host", wsURL)
	}

	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api/websocket")
	u.RawQuery = ""
	u.Fragment = ""

	return strings.TrimSuffix(u.String(), "/"), nil
}

// SetEntityState creates or replaces the state of an entity through
// POST /api/states/<entity_id>. Home Assistant answers 200 for updates and
// 201 for newly created entities.
func (c *Client) SetEntityState(entityID, state string, attributes map[string]interface{}) error {
	if c.restURL == "" {
		return fmt.Errorf("REST API URL unknown for %s", c.url)
	}

	body, err := json.Marshal(StateUpdate{
		State:      state,
		Attributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", entityID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	endpoint := c.restURL + "/api/states/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build state request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set state of %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HA REST error: %s - %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug("Entity state written",
		zap.String("entity_id", entityID),
		zap.String("state", state))
	return nil
}
