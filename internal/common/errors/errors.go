// Package errors provides the bridge's error kinds.
package errors

import (
	"errors"
	"fmt"

	"github.com/qqacp/bridge/internal/reply"
)

// Error codes as constants.
const (
	ErrCodeAgentNotConnected  = "AGENT_NOT_CONNECTED"
	ErrCodeAgentLaunchError   = "AGENT_LAUNCH_ERROR"
	ErrCodeInitializeTimeout  = "INITIALIZE_TIMEOUT"
	ErrCodeProtocolError      = "PROTOCOL_ERROR"
	ErrCodeAgentErrorPartial  = "AGENT_ERROR_PARTIAL"
	ErrCodePermissionTimedOut = "PERMISSION_TIMED_OUT"
	ErrCodePermissionCanceled = "PERMISSION_CANCELLED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents a bridge-level error with a stable code for classification.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// AgentNotConnected reports that ensureConnection failed or the link is closed.
func AgentNotConnected(chatID string, cause error) *AppError {
	return &AppError{Code: ErrCodeAgentNotConnected, Message: "agent not connected for " + chatID, Err: cause}
}

// AgentLaunchError reports that the configured agent executable could not be started.
func AgentLaunchError(command string, cause error) *AppError {
	return &AppError{Code: ErrCodeAgentLaunchError, Message: "failed to launch agent: " + command, Err: cause}
}

// InitializeTimeout reports that the ACP handshake did not complete in time.
func InitializeTimeout(chatID string) *AppError {
	return &AppError{Code: ErrCodeInitializeTimeout, Message: "initialize handshake timed out for " + chatID}
}

// ProtocolError reports malformed JSON-RPC framing or an unexpected id.
func ProtocolError(detail string, cause error) *AppError {
	return &AppError{Code: ErrCodeProtocolError, Message: detail, Err: cause}
}

// PermissionTimedOut reports that a permission dialog was not answered in time.
func PermissionTimedOut(chatID string) *AppError {
	return &AppError{Code: ErrCodePermissionTimedOut, Message: "permission request timed out for " + chatID}
}

// PermissionCancelled reports that a permission dialog was cancelled (e.g. via /stop).
func PermissionCancelled(chatID string) *AppError {
	return &AppError{Code: ErrCodePermissionCanceled, Message: "permission request cancelled for " + chatID}
}

// Internal wraps an uncaught dispatcher-level error.
func Internal(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, Err: cause}
}

// PartialReplyError carries reply parts that streamed before a prompt failed.
// The caller delivers Parts first, then the wrapped error.
type PartialReplyError struct {
	Cause error
	Parts reply.Parts
}

func (e *PartialReplyError) Error() string {
	return fmt.Sprintf("agent error with %d partial parts: %v", len(e.Parts), e.Cause)
}

func (e *PartialReplyError) Unwrap() error {
	return e.Cause
}

// AgentErrorWithPartial builds a PartialReplyError.
func AgentErrorWithPartial(cause error, parts reply.Parts) *PartialReplyError {
	return &PartialReplyError{Cause: cause, Parts: parts}
}

// Is reports whether err carries the given AppError code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
