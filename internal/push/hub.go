// Package push is the server side of the in-app channel: a websocket hub
// holding every live session connection, with heartbeat probing and
// dead-peer reaping. Delivery to one connection never blocks on another.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"beacon/internal/model"
	logx "beacon/pkg/logx"
)

type Config struct {
	// HeartbeatEvery is the probe interval. A session that fails to pong
	// within PongTimeout is closed from the server side.
	HeartbeatEvery time.Duration `json:"heartbeat_every" yaml:"heartbeat_every"`
	PongTimeout    time.Duration `json:"pong_timeout" yaml:"pong_timeout"`
	// SendBuffer is the per-connection outbound queue. When it is full the
	// frame is dropped for that connection only.
	SendBuffer int `json:"send_buffer" yaml:"send_buffer"`
}

func (c Config) withDefaults() Config {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * c.HeartbeatEvery
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

const writeTimeout = 5 * time.Second

type session struct {
	userID    string
	conn      *websocket.Conn
	out       chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	lastPong  atomic.Int64 // unix milli
}

func (s *session) finish() {
	s.closeOnce.Do(func() { close(s.done) })
}

type Hub struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	byUser map[string]map[*session]struct{}

	// dropped counts frames discarded because a session's buffer was full.
	// Logged per heartbeat tick to avoid per-frame spam.
	dropped atomic.Uint64
}

func NewHub(cfg Config, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		log:    log,
		byUser: make(map[string]map[*session]struct{}),
	}
}

// Run drives heartbeats and reaping until ctx is cancelled, then closes
// every live session.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) tick() {
	deadline := time.Now().Add(-h.cfg.PongTimeout).UnixMilli()
	heartbeat := Envelope{Type: MsgHeartbeat}

	h.mu.Lock()
	var dead []*session
	for _, sessions := range h.byUser {
		for s := range sessions {
			if s.lastPong.Load() < deadline {
				dead = append(dead, s)
				continue
			}
			h.trySend(s, heartbeat)
		}
	}
	h.mu.Unlock()

	for _, s := range dead {
		h.log.Info("reaping dead session", logx.String("user", s.userID))
		_ = s.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
		h.unregister(s)
	}
	if n := h.dropped.Swap(0); n > 0 {
		h.log.Warn("outbound frames dropped (session buffer full)", logx.Any("count", n))
	}
}

// Handle upgrades an authenticated HTTP request into a session connection.
// It blocks for the lifetime of the connection.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", logx.String("user", userID), logx.Err(err))
		return
	}

	s := &session{
		userID: userID,
		conn:   conn,
		out:    make(chan Envelope, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixMilli())
	h.register(s)
	defer h.unregister(s)

	go h.writeLoop(s)
	h.trySend(s, Envelope{Type: MsgConnected})

	h.readLoop(r.Context(), s)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Debug("unparseable frame", logx.String("user", s.userID), logx.Err(err))
			continue
		}
		switch env.Type {
		case MsgPong:
			s.lastPong.Store(time.Now().UnixMilli())
		case MsgHeartbeat:
			// Client-initiated probe, answer in kind.
			h.trySend(s, Envelope{Type: MsgPong})
		}
	}
}

func (h *Hub) writeLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.out:
			data, err := json.Marshal(env)
			if err != nil {
				h.log.Error("marshal frame", logx.Err(err))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.finish()
				return
			}
		}
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[s.userID]
	if set == nil {
		set = make(map[*session]struct{})
		h.byUser[s.userID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if set := h.byUser[s.userID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	h.mu.Unlock()
	s.finish()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*session
	for _, sessions := range h.byUser {
		for s := range sessions {
			all = append(all, s)
		}
	}
	h.byUser = make(map[string]map[*session]struct{})
	h.mu.Unlock()

	for _, s := range all {
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		s.finish()
	}
}

// trySend enqueues without ever blocking; a full buffer drops the frame
// for that session only.
func (h *Hub) trySend(s *session, env Envelope) {
	select {
	case s.out <- env:
	default:
		h.dropped.Add(1)
	}
}

// Notify fans a notification out to every live session of the user and
// returns how many sessions it was queued for.
func (h *Hub) Notify(userID string, n model.Notification) int {
	env, err := NewEnvelope(MsgNotification, n)
	if err != nil {
		h.log.Error("marshal notification", logx.Err(err))
		return 0
	}
	return h.fanOut(userID, env)
}

// UnreadCount pushes an authoritative unread counter to the user.
func (h *Hub) UnreadCount(userID string, count int) int {
	env, err := NewEnvelope(MsgUnreadCount, UnreadPayload{Count: count})
	if err != nil {
		return 0
	}
	return h.fanOut(userID, env)
}

func (h *Hub) fanOut(userID string, env Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.byUser[userID] {
		h.trySend(s, env)
		n++
	}
	return n
}

// Connections reports the user's live session count.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}
