package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const broadcastConcurrency = 8

// BroadcastResult counts delivery outcomes.
type BroadcastResult struct {
	Sent   int
	Failed int
}

// Broadcast sends text to every recipient concurrently. Every delivery is
// attempted; individual failures are logged and counted, never returned.
func Broadcast(ctx context.Context, n Notifier, log *slog.Logger, recipients []string, text string) BroadcastResult {
	if log == nil {
		log = slog.Default()
	}
	var sent, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(broadcastConcurrency)
	for _, rid := range recipients {
		g.Go(func() error {
			if err := n.Notify(ctx, Message{RecipientID: rid, Text: text}); err != nil {
				failed.Add(1)
				log.WarnContext(ctx, "broadcast delivery failed", "recipient_id", rid, "err", err)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return BroadcastResult{Sent: int(sent.Load()), Failed: int(failed.Load())}
}
