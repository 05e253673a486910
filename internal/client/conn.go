package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"

	"beacon/internal/model"
	"beacon/internal/push"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

// State is the connection manager lifecycle position.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// PermissionState mirrors the platform notification permission tri-state.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PermissionPrompter abstracts the platform permission dialog. Request is
// only ever called once, and only from the undecided state.
type PermissionPrompter interface {
	State() PermissionState
	Request(ctx context.Context)
}

// Manager owns the persistent push connection for one authenticated
// session: handshake, heartbeat replies, and single-flight reconnection.
type Manager struct {
	url      string
	token    string
	store    *Store
	policy   resilience.Policy
	prompter PermissionPrompter
	reauth   func(ctx context.Context) (string, error)
	log      logx.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	asked  bool

	sf singleflight.Group
	wg sync.WaitGroup
}

type ManagerOptions struct {
	Policy   resilience.Policy
	Prompter PermissionPrompter

	// Reauth exchanges an expired session token for a fresh one. When the
	// handshake is rejected as unauthorized and Reauth is nil (or fails),
	// the manager closes instead of retrying a dead token.
	Reauth func(ctx context.Context) (string, error)
}

func NewManager(wsURL, token string, store *Store, log logx.Logger, opts ManagerOptions) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy = resilience.DefaultPolicy()
	}
	return &Manager{
		url:      wsURL,
		token:    token,
		store:    store,
		policy:   policy,
		prompter: opts.Prompter,
		reauth:   opts.Reauth,
		log:      log,
		state:    StateConnecting,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateClosed {
		m.state = s
	}
	m.mu.Unlock()
}

// Start begins connecting. A missing token is a terminal no-op, not an
// error: there is no session to push to.
func (m *Manager) Start(ctx context.Context) {
	if m.token == "" {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		m.log.Debug("no auth token, connection manager idle")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
}

// Close is the unconditional teardown: cancel timers and in-flight calls,
// close the connection, regardless of current state.
func (m *Manager) Close() {
	m.mu.Lock()
	m.state = StateClosed
	cancel := m.cancel
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	m.wg.Wait()
	m.store.SetConnected(false)
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, unauthorized, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if unauthorized {
				// An expired token stays expired; retrying it would just
				// hammer the server. Re-authenticate or give up.
				if m.reauth == nil {
					m.log.Warn("push handshake unauthorized, no reauth configured")
					m.setState(StateClosed)
					return
				}
				fresh, rerr := m.reauth(ctx)
				if rerr != nil || fresh == "" {
					m.log.Warn("reauthentication failed", logx.Err(rerr))
					m.setState(StateClosed)
					return
				}
				m.mu.Lock()
				m.token = fresh
				m.mu.Unlock()
			}
			attempt++
			m.setState(StateReconnecting)
			wait := m.policy.Delay(attempt)
			m.log.Debug("reconnect scheduled", logx.Int("attempt", attempt), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		m.onOpen(ctx, conn)
		m.readLoop(ctx, conn)

		// Connection lost (or deliberately closed).
		m.store.SetConnected(false)
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		closed := m.state == StateClosed
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if closed || ctx.Err() != nil {
			return
		}
		m.setState(StateReconnecting)
	}
}

type dialResult struct {
	conn         *websocket.Conn
	unauthorized bool
}

// dial goes through singleflight so concurrent triggers (backoff timer,
// connectivity edge) collapse into one attempt.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, bool, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	v, err, _ := m.sf.Do("dial", func() (any, error) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+token)
		conn, resp, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{HTTPHeader: hdr})
		res := dialResult{conn: conn}
		if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			res.unauthorized = true
		}
		return res, err
	})
	res := v.(dialResult)
	if err != nil {
		return nil, res.unauthorized, err
	}
	return res.conn, false, nil
}

func (m *Manager) onOpen(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	if m.state != StateClosed {
		m.state = StateOpen
	}
	askPermission := !m.asked && m.prompter != nil && m.prompter.State() == PermissionDefault
	if askPermission {
		m.asked = true
	}
	m.mu.Unlock()

	m.log.Info("push connection open")
	m.store.SetConnected(true)

	// Reconcile state accumulated while disconnected.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.store.FetchNotifications(ctx, false)
	}()

	if askPermission {
		m.prompter.Request(ctx)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env push.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug("unparseable frame", logx.Err(err))
			continue
		}
		m.handle(ctx, conn, env)
	}
}

func (m *Manager) handle(ctx context.Context, conn *websocket.Conn, env push.Envelope) {
	switch env.Type {
	case push.MsgConnected:
		m.log.Debug("server acknowledged connection")
	case push.MsgNotification:
		var n model.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			m.log.Warn("bad notification payload", logx.Err(err))
			return
		}
		m.store.AddNotification(n)
	case push.MsgUnreadCount:
		var p push.UnreadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			m.log.Warn("bad unread_count payload", logx.Err(err))
			return
		}
		m.store.SetUnreadCount(p.Count)
	case push.MsgHeartbeat:
		// Missing the server's tolerance window gets us reaped, so answer
		// inline rather than queueing.
		data, err := json.Marshal(push.Envelope{Type: push.MsgPong})
		if err != nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			m.log.Debug("pong write failed", logx.Err(err))
		}
	default:
		m.log.Debug("unknown frame type", logx.String("type", env.Type))
	}
}
