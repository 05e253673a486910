package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"beacon/internal/model"
)

type ruleRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Name      string `db:"name"`
	Enabled   bool   `db:"enabled"`
	Priority  int    `db:"priority"`
	Condition string `db:"condition"`
	Actions   string `db:"actions"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r ruleRow) toModel() (model.Rule, error) {
	out := model.Rule{
		ID:        r.ID,
		Name:      r.Name,
		Enabled:   r.Enabled,
		Priority:  r.Priority,
		CreatedAt: fromMilli(r.CreatedAt),
		UpdatedAt: fromMilli(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Condition), &out.Condition); err != nil {
		return model.Rule{}, fmt.Errorf("rule %s: decoding condition: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Actions), &out.Actions); err != nil {
		return model.Rule{}, fmt.Errorf("rule %s: decoding actions: %w", r.ID, err)
	}
	return out, nil
}

func encodeRule(rule model.Rule) (condJSON, actJSON string, err error) {
	cb, err := json.Marshal(rule.Condition)
	if err != nil {
		return "", "", err
	}
	ab, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", err
	}
	return string(cb), string(ab), nil
}

// InsertRule persists a validated rule.
func (s *Store) InsertRule(ctx context.Context, userID string, rule model.Rule) error {
	cond, act, err := encodeRule(rule)
	if err != nil {
		return err
	}
	now := toMilli(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules(id, user_id, name, enabled, priority, condition, actions, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		rule.ID, userID, rule.Name, rule.Enabled, rule.Priority, cond, act, now, now)
	return err
}

// UpdateRule replaces the stored rule. Unknown ids are ErrNotFound.
func (s *Store) UpdateRule(ctx context.Context, userID string, rule model.Rule) error {
	cond, act, err := encodeRule(rule)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET name=?, enabled=?, priority=?, condition=?, actions=?, updated_at=?
		 WHERE user_id=? AND id=?`,
		rule.Name, rule.Enabled, rule.Priority, cond, act, toMilli(time.Now()), userID, rule.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule returns ErrNotFound for an unknown id.
func (s *Store) GetRule(ctx context.Context, userID, id string) (model.Rule, error) {
	var r ruleRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM rules WHERE user_id = ? AND id = ?`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Rule{}, ErrNotFound
	}
	if err != nil {
		return model.Rule{}, err
	}
	return r.toModel()
}

// ListRules returns the user's rules already in evaluation order:
// priority descending, ties broken by id ascending.
func (s *Store) ListRules(ctx context.Context, userID string) ([]model.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM rules WHERE user_id = ? ORDER BY priority DESC, id ASC`, userID); err != nil {
		return nil, err
	}
	out := make([]model.Rule, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteRule removes a rule. Unknown ids are ErrNotFound.
func (s *Store) DeleteRule(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rules WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
