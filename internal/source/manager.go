// Package source manages external origins (CRUD, credential checks,
// triggered collection). Collected items enter the system as
// source_item_ready notifications through the regular dispatch pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"beacon/internal/dispatch"
	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

var (
	ErrUnknownType = errors.New("unknown source type")
	ErrDisabled    = errors.New("source is disabled")
)

// Item is one unit of new activity pulled from an external origin.
type Item struct {
	Title    string
	Message  string
	Metadata model.Metadata
}

// Connector implements one source type against its external API.
type Connector interface {
	Type() string
	// TestAuth verifies the stored credentials without side effects.
	TestAuth(ctx context.Context, src model.Source) error
	// Collect returns activity that appeared since src.LastSync.
	Collect(ctx context.Context, src model.Source) ([]Item, error)
}

// Dispatcher is the slice of the delivery pipeline collection needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) (dispatch.Result, error)
}

// CollectResult reports one triggered collection run.
type CollectResult struct {
	Collected  int `json:"collected"`
	Dispatched int `json:"dispatched"`
}

type Manager struct {
	store      *storage.Store
	dispatcher Dispatcher
	connectors map[string]Connector
	log        logx.Logger
}

func NewManager(store *storage.Store, d Dispatcher, log logx.Logger, connectors ...Connector) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	byType := make(map[string]Connector, len(connectors))
	for _, c := range connectors {
		if c != nil {
			byType[c.Type()] = c
		}
	}
	return &Manager{store: store, dispatcher: d, connectors: byType, log: log}
}

// Types lists the registered connector types.
func (m *Manager) Types() []string {
	out := make([]string, 0, len(m.connectors))
	for t := range m.connectors {
		out = append(out, t)
	}
	return out
}

func (m *Manager) validate(src model.Source) error {
	if strings.TrimSpace(src.Name) == "" {
		return errors.New("source name is required")
	}
	if _, ok := m.connectors[src.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, src.Type)
	}
	return nil
}

// Create assigns a fresh id and persists the source.
func (m *Manager) Create(ctx context.Context, src model.Source) (model.Source, error) {
	if err := m.validate(src); err != nil {
		return model.Source{}, err
	}
	src.ID = uuid.NewString()
	src.CreatedAt = time.Now()
	src.LastSync = nil
	src.LastError = ""
	if err := m.store.InsertSource(ctx, src); err != nil {
		return model.Source{}, err
	}
	return src, nil
}

func (m *Manager) Update(ctx context.Context, src model.Source) (model.Source, error) {
	if err := m.validate(src); err != nil {
		return model.Source{}, err
	}
	if err := m.store.UpdateSource(ctx, src); err != nil {
		return model.Source{}, err
	}
	return m.store.GetSource(ctx, src.UserID, src.ID)
}

func (m *Manager) Get(ctx context.Context, userID, id string) (model.Source, error) {
	return m.store.GetSource(ctx, userID, id)
}

func (m *Manager) List(ctx context.Context, userID string) ([]model.Source, error) {
	return m.store.ListSources(ctx, userID)
}

func (m *Manager) Delete(ctx context.Context, userID, id string) error {
	return m.store.DeleteSource(ctx, userID, id)
}

// TestAuth checks the source's credentials against the live API without
// recording a sync.
func (m *Manager) TestAuth(ctx context.Context, userID, id string) error {
	src, err := m.store.GetSource(ctx, userID, id)
	if err != nil {
		return err
	}
	conn, ok := m.connectors[src.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, src.Type)
	}
	return conn.TestAuth(ctx, src)
}

// Collect triggers one collection run. Every run, success or failure, is
// recorded on the source row (last_sync / last_error) so the UI can show
// sync health.
func (m *Manager) Collect(ctx context.Context, userID, id string) (CollectResult, error) {
	src, err := m.store.GetSource(ctx, userID, id)
	if err != nil {
		return CollectResult{}, err
	}
	if !src.Enabled {
		return CollectResult{}, ErrDisabled
	}
	conn, ok := m.connectors[src.Type]
	if !ok {
		return CollectResult{}, fmt.Errorf("%w: %q", ErrUnknownType, src.Type)
	}

	items, err := conn.Collect(ctx, src)
	if recErr := m.store.RecordSourceSync(ctx, userID, id, time.Now(), err); recErr != nil {
		m.log.Warn("record source sync failed", logx.String("source", id), logx.Err(recErr))
	}
	if err != nil {
		return CollectResult{}, fmt.Errorf("collect from %s: %w", src.Name, err)
	}

	res := CollectResult{Collected: len(items)}
	for _, it := range items {
		meta := model.Metadata{"source_id": src.ID, "source_name": src.Name}
		for k, v := range it.Metadata {
			meta[k] = v
		}
		n := model.NewNotification(userID, model.TypeSourceItemReady, it.Title, it.Message, meta)
		if _, err := m.dispatcher.Dispatch(ctx, n); err != nil {
			m.log.Warn("dispatch collected item failed", logx.String("source", id), logx.Err(err))
			continue
		}
		res.Dispatched++
	}
	return res, nil
}
