package model

import (
	"errors"
	"fmt"
	"time"
)

// ConditionKind tags a node of the rule condition tree.
type ConditionKind string

const (
	// Leaf predicates.
	CondTypeIs          ConditionKind = "type_is"
	CondTitleContains   ConditionKind = "title_contains"
	CondMetadataEquals  ConditionKind = "metadata_equals"
	CondMetadataExists  ConditionKind = "metadata_exists"
	CondPriorityAtLeast ConditionKind = "priority_at_least"

	// Composites.
	CondAll ConditionKind = "all"
	CondAny ConditionKind = "any"
	CondNot ConditionKind = "not"
)

// Condition is a tagged expression tree evaluated against a notification.
// Leaf kinds use the Type/Key/Value/Threshold fields; composite kinds use
// Children (CondNot requires exactly one child).
type Condition struct {
	Kind      ConditionKind    `json:"kind"`
	Type      NotificationType `json:"type,omitempty"`
	Key       string           `json:"key,omitempty"`
	Value     string           `json:"value,omitempty"`
	Threshold int              `json:"threshold,omitempty"`
	Children  []Condition      `json:"children,omitempty"`
}

// Validate rejects malformed trees at the write boundary so a rule is never
// partially applied.
func (c Condition) Validate() error {
	switch c.Kind {
	case CondTypeIs:
		if !c.Type.Valid() {
			return fmt.Errorf("condition type_is: unknown type %q", c.Type)
		}
	case CondTitleContains:
		if c.Value == "" {
			return errors.New("condition title_contains: value is required")
		}
	case CondMetadataEquals:
		if c.Key == "" {
			return errors.New("condition metadata_equals: key is required")
		}
	case CondMetadataExists:
		if c.Key == "" {
			return errors.New("condition metadata_exists: key is required")
		}
	case CondPriorityAtLeast:
		if c.Threshold < 0 {
			return errors.New("condition priority_at_least: threshold must be >= 0")
		}
	case CondAll, CondAny:
		if len(c.Children) == 0 {
			return fmt.Errorf("condition %s: at least one child is required", c.Kind)
		}
		for i, ch := range c.Children {
			if err := ch.Validate(); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
	case CondNot:
		if len(c.Children) != 1 {
			return errors.New("condition not: exactly one child is required")
		}
		return c.Children[0].Validate()
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// ActionKind tags a rule action.
type ActionKind string

const (
	// ActionSuppress stops delivery on every channel and short-circuits
	// evaluation of lower-priority rules.
	ActionSuppress ActionKind = "suppress"
	// ActionForceChannel delivers on a channel even if the preference flag
	// for it is off (the type-level enabled gate still applies).
	ActionForceChannel ActionKind = "force_channel"
	// ActionMuteChannel withholds delivery on one channel.
	ActionMuteChannel ActionKind = "mute_channel"
	// ActionAnnotate adds a metadata key/value before delivery.
	ActionAnnotate ActionKind = "annotate"
)

// RuleAction is one routing/suppression effect contributed by a matched rule.
type RuleAction struct {
	Kind    ActionKind `json:"kind"`
	Channel Channel    `json:"channel,omitempty"`
	Key     string     `json:"key,omitempty"`
	Value   string     `json:"value,omitempty"`
}

func (a RuleAction) Validate() error {
	switch a.Kind {
	case ActionSuppress:
	case ActionForceChannel, ActionMuteChannel:
		switch a.Channel {
		case ChannelInApp, ChannelEmail, ChannelPush:
		default:
			return fmt.Errorf("action %s: unknown channel %q", a.Kind, a.Channel)
		}
	case ActionAnnotate:
		if a.Key == "" {
			return errors.New("action annotate: key is required")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Rule is a condition→action mapping applied by the delivery dispatcher.
//
// Invariant: evaluation order is priority descending, ties broken by id
// ascending, so the order is total and deterministic.
type Rule struct {
	ID        string       `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Enabled   bool         `db:"enabled" json:"enabled"`
	Priority  int          `db:"priority" json:"priority"`
	Condition Condition    `json:"condition"`
	Actions   []RuleAction `json:"actions"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// Validate checks the whole rule at the write boundary.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: at least one action is required", r.Name)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("rule %q action %d: %w", r.Name, i, err)
		}
	}
	return nil
}
