package mqtt

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

func TestCommandRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := newMessageRateLimiter(2, time.Minute, logger)

	type call struct {
		topic   string
		payload string
	}
	calls := make(chan call, 8)
	handle := func(_ context.Context, topic string, payload []byte) error {
		calls <- call{topic, string(payload)}
		return nil
	}
	route := commandRouter(context.Background(), limiter, handle, logger)

	publish := func(topic, payload string, retain bool) bool {
		t.Helper()
		handled, err := route(paho.PublishReceived{Packet: &paho.Publish{Topic: topic, Payload: []byte(payload), Retain: retain}})
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		return handled
	}

	if !publish("omada-bridge/omada/site/radio/set", "ON", false) {
		t.Error("command not marked handled")
	}
	select {
	case c := <-calls:
		if c.topic != "omada-bridge/omada/site/radio/set" || c.payload != "ON" {
			t.Errorf("handled %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	// Retained commands are left over from an earlier session.
	publish("omada-bridge/omada/site/radio/set", "OFF", true)

	// One more fits the window, the next is dropped.
	publish("omada-bridge/omada/site/block/set", "OFF", false)
	publish("omada-bridge/omada/site/block/set", "ON", false)

	select {
	case c := <-calls:
		if c.payload != "OFF" || c.topic != "omada-bridge/omada/site/block/set" {
			t.Errorf("handled %+v, want the block OFF command", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second command not handled")
	}
	select {
	case c := <-calls:
		t.Errorf("unexpected command handled: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
	if got := limiter.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	if handled, _ := route(paho.PublishReceived{}); handled {
		t.Error("empty packet marked handled")
	}
}

func TestMessageRateLimiter_Reset(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rl := newMessageRateLimiter(1, time.Second, logger)

	rl.allow()
	rl.reset()
	if buf.Len() != 0 {
		t.Errorf("reset logged without drops: %s", buf.String())
	}

	rl.allow()
	rl.allow()
	rl.reset()
	if !strings.Contains(buf.String(), "dropped=1") {
		t.Errorf("reset log = %q, want dropped=1", buf.String())
	}
	if !rl.allow() {
		t.Error("allow after reset = false")
	}
}

func TestMessageRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(5, time.Second, logger)

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newMessageRateLimiter(1000, time.Second, logger)

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
