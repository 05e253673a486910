// Package client is the consumer side of the service: a REST client with
// offline queueing, the notification store cache, and the websocket
// connection manager.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"beacon/internal/model"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

// Snapshot is the REST reconciliation payload.
type Snapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	Preferences   []model.Preference   `json:"preferences"`
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// queuedRequest is the payload stored in the offline queue.
type queuedRequest struct {
	Body json.RawMessage `json:"body,omitempty"`
}

// Client issues REST calls through the resilience layer: online gate,
// retry with backoff, and the offline queue for side-effecting requests
// that cannot complete now.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	gate    *resilience.Gate
	queue   *resilience.OfflineQueue
	policy  resilience.Policy
	log     logx.Logger
}

type Options struct {
	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
	Policy     resilience.Policy
}

func NewClient(baseURL, token string, gate *resilience.Gate, queue *resilience.OfflineQueue, log logx.Logger, opts Options) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy = resilience.DefaultPolicy()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		gate:    gate,
		queue:   queue,
		policy:  policy,
		log:     log,
	}
}

// Replay drains the offline queue in enqueue order. Called when the gate
// reports connectivity restored.
func (c *Client) Replay(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Replay(ctx, func(ctx context.Context, e resilience.QueueEntry) error {
		var q queuedRequest
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &q); err != nil {
				return resilience.Permanent(fmt.Errorf("corrupt queue payload: %w", err))
			}
		}
		return c.raw(ctx, e.Method, e.Endpoint, q.Body, nil)
	})
}

// FetchSnapshot loads the authoritative notification state. Reads are
// never queued offline; when offline they fail fast.
func (c *Client) FetchSnapshot(ctx context.Context, unreadOnly bool) (Snapshot, error) {
	path := "/v1/notifications"
	if unreadOnly {
		path += "?unread_only=1"
	}
	return resilience.Do(ctx, c.policy, func(ctx context.Context) (Snapshot, error) {
		var snap Snapshot
		if c.gate != nil && !c.gate.Online() {
			return snap, resilience.Permanent(resilience.ErrOffline)
		}
		err := c.raw(ctx, http.MethodGet, path, nil, &snap)
		return snap, err
	})
}

// MarkRead marks one notification read on the server.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.mutate(ctx, http.MethodPost, "/v1/notifications/"+id+"/read", nil)
}

// MarkAllRead marks every notification read on the server.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.mutate(ctx, http.MethodPost, "/v1/notifications/read_all", nil)
}

// Delete removes one notification on the server.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.mutate(ctx, http.MethodDelete, "/v1/notifications/"+id, nil)
}

// UpdatePreference applies a partial preference patch on the server.
func (c *Client) UpdatePreference(ctx context.Context, typ model.NotificationType, patch model.PreferencePatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return c.mutate(ctx, http.MethodPut, "/v1/preferences/"+string(typ), body)
}

// mutate issues a side-effecting call. While offline, or when retries are
// exhausted by a transient failure, the request lands in the offline queue
// to be replayed in order once connectivity returns.
func (c *Client) mutate(ctx context.Context, method, path string, body json.RawMessage) error {
	if c.gate != nil && !c.gate.Online() {
		return c.queueOffline(method, path, body, resilience.ErrOffline)
	}
	err := resilience.Retry(ctx, c.policy, func(ctx context.Context) error {
		if c.gate != nil && !c.gate.Online() {
			return resilience.Permanent(resilience.ErrOffline)
		}
		return c.raw(ctx, method, path, body, nil)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrOffline), errors.Is(err, resilience.ErrRetriesExhausted):
		return c.queueOffline(method, path, body, err)
	default:
		// Fatal rejections (4xx) surface immediately, never queued.
		return err
	}
}

// queueOffline stores a request for ordered replay and reports success to
// the caller: the mutation will happen, just not yet.
func (c *Client) queueOffline(method, path string, body json.RawMessage, cause error) error {
	if c.queue == nil {
		return cause
	}
	payload, err := json.Marshal(queuedRequest{Body: body})
	if err != nil {
		return err
	}
	if _, err := c.queue.Enqueue(path, method, payload); err != nil {
		return fmt.Errorf("offline enqueue: %w", err)
	}
	c.log.Debug("request queued offline",
		logx.String("method", method),
		logx.String("path", path),
		logx.Err(cause))
	return nil
}

// raw performs one HTTP round trip. 4xx responses are permanent; 5xx and
// transport errors stay retryable.
func (c *Client) raw(ctx context.Context, method, path string, body json.RawMessage, out any) error {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return resilience.Permanent(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(apiErr)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
