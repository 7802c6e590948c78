package tg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/matheus3301/chatvault/internal/remote"
)

func TestClassifyRateLimits(t *testing.T) {
	tests := []struct {
		msg  string
		wait time.Duration
	}{
		{"FLOOD_WAIT_30", 30 * time.Second},
		{"FLOOD_PREMIUM_WAIT_5", 5 * time.Second},
		{"TAKEOUT_INIT_DELAY_86400", 24 * time.Hour},
		{"SLOWMODE_WAIT_10", 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classify(tgerr.New(420, tt.msg), "messages.getHistory")
			rl, ok := remote.AsRateLimited(err)
			if !ok {
				t.Fatalf("expected rate limit, got %v", err)
			}
			if rl.Wait != tt.wait {
				t.Errorf("wait = %s, want %s", rl.Wait, tt.wait)
			}
			if rl.Method != "messages.getHistory" {
				t.Errorf("method = %q", rl.Method)
			}
			if remote.Retryable(err) {
				t.Error("rate limit must not be retryable")
			}
		})
	}
}

func TestClassifyAuth(t *testing.T) {
	for _, msg := range []string{"AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "USER_DEACTIVATED"} {
		err := classify(tgerr.New(401, msg), "m")
		if !remote.IsAuth(err) {
			t.Errorf("%s: expected auth error, got %v", msg, err)
		}
		if remote.Retryable(err) {
			t.Errorf("%s: auth must not be retryable", msg)
		}
	}
}

func TestClassifyTransient(t *testing.T) {
	cases := []error{
		tgerr.New(500, "RPC_CALL_FAIL"),
		tgerr.New(500, "INTERNAL"),
		tgerr.New(503, "SOMETHING_ELSE"),
		io.ErrUnexpectedEOF,
		fmt.Errorf("read: %w", io.EOF),
		errNotConnected,
	}
	for _, in := range cases {
		if err := classify(in, "m"); !remote.IsTransient(err) {
			t.Errorf("%v: expected transient, got %v", in, err)
		}
	}
}

func TestClassifyOther(t *testing.T) {
	err := classify(tgerr.New(400, "PEER_ID_INVALID"), "m")
	if remote.IsTransient(err) || remote.IsAuth(err) {
		t.Fatalf("unexpected classification: %v", err)
	}
	if !tgerr.Is(err, "PEER_ID_INVALID") {
		t.Error("original error should stay reachable")
	}

	if err := classify(context.Canceled, "m"); !errors.Is(err, context.Canceled) || remote.IsTransient(err) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if classify(nil, "m") != nil {
		t.Error("nil should stay nil")
	}
}
