// Package consumer implements the blocking read loop long-lived agents use
// to sleep until someone else speaks in a channel.
package consumer

import (
	"context"
	"time"

	"github.com/basket/agentbus/internal/persistence"
)

// Wait repeatedly reads-and-advances until the channel yields at least one
// message not authored by the consumer itself, sleeping interval between
// empty polls. Self-authored messages are consumed — their bookmark is
// advanced — but filtered from the returned set, so a caller's own writes are
// neither missed later nor re-surfaced as new. Cancellation via ctx returns
// cleanly with no partial state mutation.
//
// This is cooperative busy-polling, not push notification; consumers are
// long-lived local processes.
func Wait(ctx context.Context, store *persistence.Store, channelID, consumerID string, interval time.Duration) (*persistence.ReceiveResult, error) {
	for {
		res, err := store.Receive(ctx, channelID, consumerID)
		if err != nil {
			return nil, err
		}

		others := res.Messages[:0:0]
		for _, m := range res.Messages {
			if m.SenderID != consumerID {
				others = append(others, m)
			}
		}
		if len(others) > 0 {
			res.Messages = others
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
