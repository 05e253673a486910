package telegram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"beacon/internal/model"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, nil, logx.Nop())
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	badChat := &tele.Error{Code: 400, Description: "Bad Request: chat not found"}
	require.True(t, resilience.IsPermanent(classify(badChat)))

	serverErr := &tele.Error{Code: 502, Description: "Bad Gateway"}
	require.False(t, resilience.IsPermanent(classify(serverErr)))

	flood := tele.FloodError{RetryAfter: 3}
	require.False(t, resilience.IsPermanent(classify(flood)))

	plain := errors.New("dial tcp: timeout")
	require.False(t, resilience.IsPermanent(classify(plain)))
}

func TestRender(t *testing.T) {
	n := model.NewNotification("u1", model.TypeCapacityOverload, "Overloaded", "Too many tasks this week",
		model.Metadata{"action_url": "https://app.example.com/capacity"})
	out := render(n)
	require.Equal(t, "Overloaded\nToo many tasks this week\nhttps://app.example.com/capacity", out)

	bare := model.NewNotification("u1", model.TypeSystem, "Just a title", "", nil)
	require.Equal(t, "Just a title", render(bare))
}
