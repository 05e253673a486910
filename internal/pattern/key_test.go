package pattern

import (
	"testing"

	"github.com/stretchr/testify/require"

	"beacon/internal/model"
)

func TestKeyForExplicitKeyWins(t *testing.T) {
	n := model.Notification{
		Type: model.TypeTaskDueSoon,
		Metadata: map[string]any{
			"pattern_key": "custom:signature",
			"big_rock":    "Health",
		},
	}
	require.Equal(t, "custom:signature", KeyFor(n))
}

func TestKeyForSortsAttributes(t *testing.T) {
	n := model.Notification{
		Type: model.TypeTaskDueSoon,
		Metadata: map[string]any{
			"zone":     "morning",
			"big_rock": "Health",
		},
	}
	require.Equal(t, "task_due_soon:big_rock=Health,zone=morning", KeyFor(n))
}

func TestKeyForSkipsReservedAndNonStringValues(t *testing.T) {
	n := model.Notification{
		Type: model.TypeCapacityOverload,
		Metadata: map[string]any{
			"priority":   "high",
			"action_url": "/tasks/42",
			"count":      3,
			"day":        "monday",
		},
	}
	require.Equal(t, "capacity_overload:day=monday", KeyFor(n))
}

func TestKeyForBareTypeWhenNoAttributes(t *testing.T) {
	n := model.Notification{Type: model.TypeSystem}
	require.Equal(t, "system", KeyFor(n))

	n.Metadata = map[string]any{"priority": "low"}
	require.Equal(t, "system", KeyFor(n))
}
