package telegram

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"github.com/hpungsan/courier/internal/platform"
)

// permanentTypes are RPC error types a retry cannot fix.
var permanentTypes = map[string]bool{
	"CHANNEL_INVALID":           true,
	"CHANNEL_PRIVATE":           true,
	"CHANNEL_PUBLIC_GROUP_NA":   true,
	"CHAT_ADMIN_REQUIRED":       true,
	"CHAT_FORWARDS_RESTRICTED":  true,
	"CHAT_ID_INVALID":           true,
	"CHAT_RESTRICTED":           true,
	"CHAT_SEND_PLAIN_FORBIDDEN": true,
	"CHAT_WRITE_FORBIDDEN":      true,
	"INPUT_USER_DEACTIVATED":    true,
	"MESSAGE_ID_INVALID":        true,
	"MSG_ID_INVALID":            true,
	"PEER_ID_INVALID":           true,
	"USER_BANNED_IN_CHANNEL":    true,
	"USER_IS_BLOCKED":           true,
	"USER_IS_BOT":               true,
	"YOU_BLOCKED_USER":          true,
}

// classify turns a gotd error into a *platform.Error. Context errors pass
// through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if auth.IsUnauthorized(err) {
		return &platform.Error{Op: op, Code: codeOf(err), Err: fmt.Errorf("%w: %v", platform.ErrUnauthorized, err)}
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return platform.Temporary(op, "FLOOD_WAIT", wait, err)
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		// Network and protocol failures
		return platform.Temporary(op, "", 0, err)
	}
	switch {
	case permanentTypes[rpcErr.Type]:
		return platform.Permanent(op, rpcErr.Type, err)
	case rpcErr.Code == 420:
		return platform.Temporary(op, rpcErr.Type, time.Duration(rpcErr.Argument)*time.Second, err)
	case rpcErr.Code >= 500 || rpcErr.Code < 0:
		return platform.Temporary(op, rpcErr.Type, 0, err)
	case rpcErr.Code >= 400:
		return platform.Permanent(op, rpcErr.Type, err)
	}
	return platform.Temporary(op, rpcErr.Type, 0, err)
}

// classifyAuth maps sign-in failures onto the platform sentinels.
func classifyAuth(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, auth.ErrPasswordAuthNeeded):
		return platform.ErrPasswordRequired
	case stderrors.Is(err, auth.ErrPasswordInvalid):
		return platform.Permanent(op, "PASSWORD_HASH_INVALID", platform.ErrInvalidPassword)
	}

	var signUp *auth.SignUpRequired
	if stderrors.As(err, &signUp) {
		return platform.Permanent(op, "SIGN_UP_REQUIRED", fmt.Errorf("phone number is not registered: %w", err))
	}

	switch {
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return platform.Permanent(op, codeOf(err), platform.ErrInvalidPhone)
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return platform.Permanent(op, codeOf(err), platform.ErrInvalidCode)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED", "PHONE_CODE_HASH_EMPTY"):
		return platform.Permanent(op, codeOf(err), platform.ErrCodeExpired)
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return platform.Permanent(op, codeOf(err), platform.ErrInvalidPassword)
	}
	return classify(op, err)
}

func codeOf(err error) string {
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.Type
	}
	return ""
}
