package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/require"

	"beacon/internal/channel"
	"beacon/internal/model"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

func testAdapter(t *testing.T, resolve Resolver) (*Adapter, *[][]byte) {
	t.Helper()
	a, err := New(Config{Host: "smtp.example.com", From: "beacon@example.com"}, resolve, logx.Nop())
	require.NoError(t, err)

	var sent [][]byte
	a.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		require.Equal(t, "smtp.example.com:587", addr)
		require.Equal(t, "beacon@example.com", from)
		require.Equal(t, []string{"user@example.com"}, to)
		sent = append(sent, msg)
		return nil
	}
	return a, &sent
}

func TestSendComposesMIME(t *testing.T) {
	a, sent := testAdapter(t, func(context.Context, string) (string, error) {
		return "user@example.com", nil
	})

	n := model.NewNotification("u1", model.TypeTaskDueSoon, "Task due", "Task X is due tomorrow",
		model.Metadata{"action_url": "https://app.example.com/tasks/x"})
	require.NoError(t, a.Send(context.Background(), "u1", n))

	require.Len(t, *sent, 1)
	msg := string((*sent)[0])
	require.Contains(t, msg, "From: <beacon@example.com>")
	require.Contains(t, msg, "To: <user@example.com>")
	require.Contains(t, msg, "Subject: Task due")
	require.Contains(t, msg, "Task X is due tomorrow")
	require.Contains(t, msg, "https://app.example.com/tasks/x")
}

func TestSendNoRecipientIsPermanent(t *testing.T) {
	a, sent := testAdapter(t, func(context.Context, string) (string, error) {
		return "", nil
	})

	err := a.Send(context.Background(), "u1", model.NewNotification("u1", model.TypeSystem, "t", "m", nil))
	require.ErrorIs(t, err, channel.ErrNoRecipient)
	require.True(t, resilience.IsPermanent(err))
	require.Empty(t, *sent)
}

func TestSendResolverErrorIsTransient(t *testing.T) {
	boom := errors.New("directory down")
	a, _ := testAdapter(t, func(context.Context, string) (string, error) {
		return "", boom
	})

	err := a.Send(context.Background(), "u1", model.NewNotification("u1", model.TypeSystem, "t", "m", nil))
	require.ErrorIs(t, err, boom)
	require.False(t, resilience.IsPermanent(err))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil, logx.Nop())
	require.Error(t, err)
}
