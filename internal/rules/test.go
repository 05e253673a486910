package rules

import (
	"context"

	"beacon/internal/model"
)

// TestResult reports a dry run of one rule against one persisted
// notification. Nothing is delivered or mutated.
type TestResult struct {
	Matched      bool               `json:"matched"`
	ActionsTaken []model.RuleAction `json:"actions_taken"`
}

// Test runs the same matcher used by Evaluate against an already-persisted
// notification, without side effects.
func (e *Engine) Test(ctx context.Context, userID, ruleID, notificationID string) (TestResult, error) {
	rule, err := e.store.GetRule(ctx, userID, ruleID)
	if err != nil {
		return TestResult{}, err
	}
	n, err := e.store.GetNotification(ctx, userID, notificationID)
	if err != nil {
		return TestResult{}, err
	}

	if !Matches(rule.Condition, n) {
		return TestResult{Matched: false}, nil
	}
	return TestResult{
		Matched:      true,
		ActionsTaken: append([]model.RuleAction(nil), rule.Actions...),
	}, nil
}
