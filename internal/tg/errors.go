package tg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/matheus3301/chatvault/internal/remote"
)

var (
	// ErrUnknownChat is returned for a chat id with no known access hash.
	ErrUnknownChat = errors.New("telegram: unknown chat")

	errNotConnected = errors.New("telegram: not connected")
)

// classify maps a Telegram failure onto the remote error kinds.
func classify(err error, method string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Type {
		case "FLOOD_WAIT", "FLOOD_PREMIUM_WAIT", "TAKEOUT_INIT_DELAY", "SLOWMODE_WAIT":
			return &remote.RateLimitedError{
				Wait:   time.Duration(rpcErr.Argument) * time.Second,
				Method: method,
			}
		case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "AUTH_KEY_DUPLICATED",
			"SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
			return fmt.Errorf("%s: %w (%s)", method, remote.ErrAuthExpired, rpcErr.Type)
		case "RPC_CALL_FAIL", "RPC_MCGET_FAIL", "TIMEOUT", "MSG_WAIT_FAILED":
			return remote.Transient(fmt.Errorf("%s: %w", method, err))
		}
		if rpcErr.Code >= 500 {
			return remote.Transient(fmt.Errorf("%s: %w", method, err))
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, errNotConnected) {
		return remote.Transient(fmt.Errorf("%s: %w", method, err))
	}
	return fmt.Errorf("%s: %w", method, err)
}
