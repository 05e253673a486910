package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"beacon/internal/model"
)

const httpJSONMaxBody = 1 << 20

// HTTPJSONConnector polls a JSON endpoint for new items. Credentials:
// "url" (required) and "token" (optional bearer token). The endpoint
// returns an array of {title, message, metadata} objects; the "since"
// query parameter carries the last sync time so servers can filter.
type HTTPJSONConnector struct {
	client *http.Client
}

func NewHTTPJSON(client *http.Client) *HTTPJSONConnector {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPJSONConnector{client: client}
}

func (c *HTTPJSONConnector) Type() string { return "http_json" }

func (c *HTTPJSONConnector) endpoint(src model.Source) (url, token string, err error) {
	url, _ = src.Credentials["url"].(string)
	if strings.TrimSpace(url) == "" {
		return "", "", fmt.Errorf("source %q: credential \"url\" is required", src.Name)
	}
	token, _ = src.Credentials["token"].(string)
	return url, token, nil
}

func (c *HTTPJSONConnector) TestAuth(ctx context.Context, src model.Source) error {
	url, token, err := c.endpoint(src)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpJSONMaxBody))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("source %q: credentials rejected (%d)", src.Name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("source %q: endpoint returned %d", src.Name, resp.StatusCode)
	}
	return nil
}

type httpJSONItem struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata model.Metadata `json:"metadata"`
}

func (c *HTTPJSONConnector) Collect(ctx context.Context, src model.Source) ([]Item, error) {
	url, token, err := c.endpoint(src)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if src.LastSync != nil {
		q := req.URL.Query()
		q.Set("since", src.LastSync.UTC().Format(time.RFC3339))
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpJSONMaxBody))
		return nil, fmt.Errorf("source %q: endpoint returned %d", src.Name, resp.StatusCode)
	}

	var raw []httpJSONItem
	if err := json.NewDecoder(io.LimitReader(resp.Body, httpJSONMaxBody)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("source %q: decode feed: %w", src.Name, err)
	}
	items := make([]Item, 0, len(raw))
	for _, it := range raw {
		if it.Title == "" {
			continue
		}
		items = append(items, Item{Title: it.Title, Message: it.Message, Metadata: it.Metadata})
	}
	return items, nil
}
