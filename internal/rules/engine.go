// Package rules evaluates user-defined condition/action rules against
// candidate notifications to adjust or suppress delivery.
package rules

import (
	"context"
	"strconv"
	"strings"

	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// Outcome accumulates the effects of every matching rule.
//
// Evaluation walks enabled rules in priority-descending order (ties broken
// by id ascending) and evaluates EVERY matching rule, except that a
// suppress action short-circuits: later rules are not evaluated and the
// notification is not delivered on any channel.
type Outcome struct {
	Suppressed   bool
	SuppressedBy string // rule id

	ForceChannels map[model.Channel]bool
	MuteChannels  map[model.Channel]bool
	Annotations   map[string]string

	// MatchedRules lists rule ids in evaluation order.
	MatchedRules []string
}

// Engine loads rules from the store and evaluates them.
type Engine struct {
	store *storage.Store
	log   logx.Logger
}

func NewEngine(store *storage.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, log: log}
}

// Evaluate runs the user's enabled rules against n.
func (e *Engine) Evaluate(ctx context.Context, userID string, n model.Notification) (Outcome, error) {
	rules, err := e.store.ListRules(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return evaluate(rules, n), nil
}

func evaluate(ruleList []model.Rule, n model.Notification) Outcome {
	out := Outcome{
		ForceChannels: map[model.Channel]bool{},
		MuteChannels:  map[model.Channel]bool{},
		Annotations:   map[string]string{},
	}
	for _, r := range ruleList {
		if !r.Enabled {
			continue
		}
		if !Matches(r.Condition, n) {
			continue
		}
		out.MatchedRules = append(out.MatchedRules, r.ID)
		for _, a := range r.Actions {
			switch a.Kind {
			case model.ActionSuppress:
				out.Suppressed = true
				out.SuppressedBy = r.ID
				// Short-circuit: nothing behind a suppressing rule runs.
				return out
			case model.ActionForceChannel:
				out.ForceChannels[a.Channel] = true
			case model.ActionMuteChannel:
				out.MuteChannels[a.Channel] = true
			case model.ActionAnnotate:
				out.Annotations[a.Key] = a.Value
			}
		}
	}
	return out
}

// Matches evaluates a condition tree against a notification.
func Matches(c model.Condition, n model.Notification) bool {
	switch c.Kind {
	case model.CondTypeIs:
		return n.Type == c.Type
	case model.CondTitleContains:
		return strings.Contains(strings.ToLower(n.Title), strings.ToLower(c.Value))
	case model.CondMetadataEquals:
		v, ok := n.Metadata[c.Key]
		if !ok {
			return false
		}
		return stringify(v) == c.Value
	case model.CondMetadataExists:
		_, ok := n.Metadata[c.Key]
		return ok
	case model.CondPriorityAtLeast:
		return n.Priority() >= c.Threshold
	case model.CondAll:
		for _, ch := range c.Children {
			if !Matches(ch, n) {
				return false
			}
		}
		return len(c.Children) > 0
	case model.CondAny:
		for _, ch := range c.Children {
			if Matches(ch, n) {
				return true
			}
		}
		return false
	case model.CondNot:
		if len(c.Children) != 1 {
			return false
		}
		return !Matches(c.Children[0], n)
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		// JSON numbers decode as float64; render whole values without ".0".
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
