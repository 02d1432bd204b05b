package telegram

import (
	"context"
	"log/slog"
	"time"
)

// Poller drives the getUpdates long-poll loop and hands each update to a
// handler in arrival order. Updates for one chat are therefore handled
// strictly in the order Telegram delivered them.
type Poller struct {
	client     *Client
	timeoutSec int
	handler    func(Update)
}

// NewPoller creates a poller; timeoutSec is the long-poll timeout.
func NewPoller(client *Client, timeoutSec int, handler func(Update)) *Poller {
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return &Poller{client: client, timeoutSec: timeoutSec, handler: handler}
}

// Run polls until the context is cancelled. Network failures back off and
// retry; the loop never gives up.
func (p *Poller) Run(ctx context.Context) error {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.client.GetUpdates(offset, p.timeoutSec)
		if err != nil {
			tgLog.Warn("get_updates_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			p.handler(update)
		}
	}
}
