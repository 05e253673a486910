// Package channel defines the outbound delivery adapter contract shared by
// the email and telegram transports. Adapters are send-only: they carry a
// finished notification to one user on one channel and report the result.
package channel

import (
	"context"
	"errors"

	"beacon/internal/model"
)

// ErrNoRecipient means the user has no address on this channel. It is a
// permanent condition for the notification at hand, not a transport fault.
var ErrNoRecipient = errors.New("no recipient on channel")

type Adapter interface {
	Name() model.Channel
	Send(ctx context.Context, userID string, n model.Notification) error
}
