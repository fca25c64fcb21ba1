package protocol

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategorySession        Category = "session"
	CategoryProtocol       Category = "protocol"
	CategoryInternal       Category = "internal"
)

const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeAgentNotAvailable      = "AGENT_NOT_AVAILABLE"
	CodeSessionNotFound        = "SESSION_NOT_FOUND"
	CodeSessionAccessDenied    = "SESSION_ACCESS_DENIED"
	CodeRegistrationFailed     = "REGISTRATION_FAILED"
	CodeSessionRequestFailed   = "SESSION_REQUEST_FAILED"
	CodeSessionDecisionFailed  = "SESSION_DECISION_FAILED"
	CodeMessageProcessingError = "MESSAGE_PROCESSING_ERROR"
	CodeInvalidMessage         = "INVALID_MESSAGE"
)
