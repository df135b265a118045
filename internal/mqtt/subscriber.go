package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// CommandHandler executes one inbound command message.
type CommandHandler func(ctx context.Context, topic string, payload []byte) error

// commandRouter returns a paho receive callback that runs handle on
// its own goroutine per message. Messages over the rate limit are
// dropped. Retained messages are ignored: a command is never replayed
// after a reconnect.
func commandRouter(ctx context.Context, limiter *messageRateLimiter, handle CommandHandler, logger *slog.Logger) func(paho.PublishReceived) (bool, error) {
	return func(pr paho.PublishReceived) (bool, error) {
		p := pr.Packet
		if p == nil {
			return false, nil
		}
		if p.Retain {
			logger.Debug("mqtt retained command ignored", "topic", p.Topic)
			return true, nil
		}
		if !limiter.allow() {
			return true, nil
		}
		topic := p.Topic
		payload := append([]byte(nil), p.Payload...)
		go func() {
			if err := handle(ctx, topic, payload); err != nil {
				logger.Debug("mqtt command rejected", "topic", topic, "payload_size", len(payload), "error", err)
			}
		}()
		return true, nil
	}
}

// messageRateLimiter is a fixed-window counter. allow is lock free;
// start resets the window.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the window every interval until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset opens a new window and reports drops from the previous one.
func (r *messageRateLimiter) reset() {
	received := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped == 0 {
		return
	}
	r.logger.Warn("mqtt commands dropped due to rate limit",
		"received", received,
		"dropped", dropped,
		"interval", r.interval,
		"limit", r.limit,
	)
}

// allow counts one message and reports whether it fits the window.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
