package broker

import (
	"errors"
	"fmt"

	"github.com/EternisAI/silo-desk/internal/protocol"
)

// Error is a failure reported back to the connection that caused it.
type Error struct {
	Code        string
	Message     string
	Details     string
	SessionID   string
	Severity    protocol.Severity
	Category    protocol.Category
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Payload() *protocol.Error {
	p := &protocol.Error{
		ErrorCode:     e.Code,
		Message:       e.Message,
		Severity:      e.Severity,
		Category:      e.Category,
		IsRecoverable: e.Recoverable,
	}
	if e.Details != "" {
		details := e.Details
		p.Details = &details
	}
	if e.SessionID != "" {
		sessionID := e.SessionID
		p.SessionID = &sessionID
	}
	return p
}

func errAuthenticationRequired(op protocol.Type) *Error {
	return &Error{
		Code:     protocol.CodeAuthenticationRequired,
		Message:  fmt.Sprintf("%s requires an authenticated connection", op),
		Severity: protocol.SeverityError,
		Category: protocol.CategoryAuthentication,
	}
}

func errAgentNotAvailable(agentID string) *Error {
	return &Error{
		Code:        protocol.CodeAgentNotAvailable,
		Message:     "Agent is not available",
		Details:     agentID,
		Severity:    protocol.SeverityWarning,
		Category:    protocol.CategorySession,
		Recoverable: true,
	}
}

func errSessionNotFound(sessionID, details string) *Error {
	return &Error{
		Code:      protocol.CodeSessionNotFound,
		Message:   "Session not found",
		Details:   details,
		SessionID: sessionID,
		Severity:  protocol.SeverityWarning,
		Category:  protocol.CategorySession,
	}
}

func errSessionAccessDenied(sessionID string) *Error {
	return &Error{
		Code:      protocol.CodeSessionAccessDenied,
		Message:   "Connection is not a participant of this session",
		SessionID: sessionID,
		Severity:  protocol.SeverityError,
		Category:  protocol.CategorySession,
	}
}

func errInvalidMessage(op protocol.Type, err error) *Error {
	return &Error{
		Code:     protocol.CodeInvalidMessage,
		Message:  fmt.Sprintf("Invalid %s message", op),
		Details:  err.Error(),
		Severity: protocol.SeverityWarning,
		Category: protocol.CategoryProtocol,
	}
}

// ErrorPayload converts any handler error into the Error message sent to the
// originating connection. Errors that are not *Error are wrapped in the
// generic code for the operation.
func ErrorPayload(op protocol.Type, err error) *protocol.Error {
	var be *Error
	if errors.As(err, &be) {
		return be.Payload()
	}

	code, message := protocol.CodeMessageProcessingError, "Failed to process message"
	switch op {
	case protocol.TypeRegisterAgent, protocol.TypeRegisterViewer:
		code, message = protocol.CodeRegistrationFailed, "Registration failed"
	case protocol.TypeRequestSession:
		code, message = protocol.CodeSessionRequestFailed, "Session request failed"
	case protocol.TypeSessionDecision:
		code, message = protocol.CodeSessionDecisionFailed, "Session decision failed"
	}

	details := err.Error()
	return &protocol.Error{
		ErrorCode:     code,
		Message:       message,
		Details:       &details,
		Severity:      protocol.SeverityError,
		Category:      protocol.CategoryInternal,
		IsRecoverable: true,
	}
}
