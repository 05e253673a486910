// Package dispatch runs the delivery pipeline for candidate notifications:
// persist, consult preferences, evaluate rules, then fan out to channels.
// Channel sends are asynchronous: queue + worker pool + rate limit + retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"beacon/internal/channel"
	"beacon/internal/eventbus"
	"beacon/internal/model"
	"beacon/internal/prefs"
	"beacon/internal/rules"
	rtsup "beacon/internal/runtime/supervisor"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// InAppSink delivers over the live in-app connections of one user.
type InAppSink interface {
	Notify(userID string, n model.Notification) int
	UnreadCount(userID string, count int) int
}

type Config struct {
	Workers     int               `json:"workers" yaml:"workers"`
	QueueSize   int               `json:"queue_size" yaml:"queue_size"`
	RatePerSec  int               `json:"rate_per_sec" yaml:"rate_per_sec"`
	SendTimeout time.Duration     `json:"send_timeout" yaml:"send_timeout"`
	Retry       resilience.Policy `json:"retry" yaml:"retry"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultPolicy()
	}
	return c
}

// job is one channel send awaiting a worker.
type job struct {
	userID  string
	n       model.Notification
	adapter channel.Adapter
}

// Result is the synchronous half of a dispatch: what happened before any
// channel send was attempted.
type Result struct {
	Persisted  bool            `json:"persisted"`
	Delivered  bool            `json:"delivered"`
	Reason     string          `json:"reason,omitempty"`
	Channels   []model.Channel `json:"channels,omitempty"`
	InAppConns int             `json:"in_app_conns"`
}

// DeliveryEvent is published on the bus for each lifecycle transition.
type DeliveryEvent struct {
	NotificationID string        `json:"notification_id"`
	UserID         string        `json:"user_id"`
	Channel        model.Channel `json:"channel,omitempty"`
	Rule           string        `json:"rule,omitempty"`
	Error          string        `json:"error,omitempty"`
	At             time.Time     `json:"at"`
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	store    *storage.Store
	prefs    *prefs.Registry
	rules    *rules.Engine
	inApp    InAppSink
	adapters map[model.Channel]channel.Adapter
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

func New(cfg Config, store *storage.Store, reg *prefs.Registry, eng *rules.Engine, inApp InAppSink, adapters []channel.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	byName := make(map[model.Channel]channel.Adapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			byName[a.Name()] = a
		}
	}
	s := &Service{
		log:      log,
		store:    store,
		prefs:    reg,
		rules:    eng,
		inApp:    inApp,
		adapters: byName,
		bus:      bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes drain quickly.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor exposes the worker supervisor for health output (nil when
// not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// A failing channel send must never take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks intake and drains queued sends best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch runs the synchronous pipeline stages and queues channel sends.
//
// The notification row always survives: a disabled preference or a
// suppressing rule stops delivery but keeps history.
func (s *Service) Dispatch(ctx context.Context, n model.Notification) (Result, error) {
	if !n.Type.Valid() {
		return Result{}, fmt.Errorf("invalid notification type %q", n.Type)
	}

	if err := s.store.InsertNotification(ctx, n); err != nil {
		return Result{}, fmt.Errorf("persist notification: %w", err)
	}
	res := Result{Persisted: true}
	if s.bus != nil {
		// Observers (pattern aggregation, auditing) read history off the
		// hot path; the full row rides along so they need no re-fetch.
		s.bus.Publish(eventbus.Event{Type: eventbus.EventPersisted, Data: n})
	}

	pref, err := s.prefs.Effective(ctx, n.UserID, n.Type)
	if err != nil {
		// Fail-open: degraded preference lookups must not lose delivery.
		s.log.Warn("preference lookup failed, failing open", logx.String("user", n.UserID), logx.Err(err))
		pref = model.DefaultPreference(n.Type)
	}
	if !pref.Enabled {
		res.Reason = "type disabled by preference"
		return res, nil
	}

	outcome, err := s.rules.Evaluate(ctx, n.UserID, n)
	if err != nil {
		return res, fmt.Errorf("evaluate rules: %w", err)
	}
	if outcome.Suppressed {
		res.Reason = "suppressed by rule " + outcome.SuppressedBy
		s.publish(eventbus.EventSuppressed, DeliveryEvent{
			NotificationID: n.ID, UserID: n.UserID, Rule: outcome.SuppressedBy,
		})
		return res, nil
	}
	for k, v := range outcome.Annotations {
		if n.Metadata == nil {
			n.Metadata = model.Metadata{}
		}
		n.Metadata[k] = v
	}

	for _, ch := range model.Channels() {
		if !channelWanted(pref, outcome, ch) {
			continue
		}
		switch ch {
		case model.ChannelInApp:
			res.InAppConns = s.deliverInApp(ctx, n)
			res.Channels = append(res.Channels, ch)
		default:
			ad := s.adapters[ch]
			if ad == nil {
				continue
			}
			if err := s.enqueue(ctx, job{userID: n.UserID, n: n, adapter: ad}); err != nil {
				// Fire-and-forget: log, never fail the dispatch.
				s.log.Warn("channel send not queued",
					logx.String("channel", string(ch)),
					logx.String("notification", n.ID),
					logx.Err(err))
				continue
			}
			res.Channels = append(res.Channels, ch)
		}
	}
	res.Delivered = len(res.Channels) > 0
	return res, nil
}

// channelWanted applies preference flags and rule overrides: mute wins
// over everything, force overrides a disabled preference flag.
func channelWanted(pref model.Preference, out rules.Outcome, ch model.Channel) bool {
	if out.MuteChannels[ch] {
		return false
	}
	if out.ForceChannels[ch] {
		return true
	}
	return pref.ChannelEnabled(ch)
}

func (s *Service) deliverInApp(ctx context.Context, n model.Notification) int {
	if s.inApp == nil {
		return 0
	}
	conns := s.inApp.Notify(n.UserID, n)
	if count, err := s.store.UnreadCount(ctx, n.UserID); err == nil {
		s.inApp.UnreadCount(n.UserID, count)
	}
	return conns
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
		s.publish(eventbus.EventQueued, DeliveryEvent{
			NotificationID: j.n.ID, UserID: j.userID, Channel: j.adapter.Name(),
		})
		return nil
	default:
		s.publish(eventbus.EventDropped, DeliveryEvent{
			NotificationID: j.n.ID, UserID: j.userID, Channel: j.adapter.Name(), Error: ErrQueueFull.Error(),
		})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	lim := s.limiter
	policy := s.cfg.Retry
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return resilience.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return j.adapter.Send(callCtx, j.userID, j.n)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("channel send failed",
			logx.String("channel", string(j.adapter.Name())),
			logx.String("notification", j.n.ID),
			logx.Err(err))
		s.publish(eventbus.EventFailed, DeliveryEvent{
			NotificationID: j.n.ID, UserID: j.userID, Channel: j.adapter.Name(), Error: err.Error(),
		})
		return
	}
	s.publish(eventbus.EventSent, DeliveryEvent{
		NotificationID: j.n.ID, UserID: j.userID, Channel: j.adapter.Name(),
	})
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
