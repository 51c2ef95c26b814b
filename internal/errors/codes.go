package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Instrument errors
	ErrUnsupportedMode   ErrorCode = "unsupported_source_function"
	ErrProtocolDecode    ErrorCode = "protocol_decode_failed"
	ErrComplianceTripped ErrorCode = "compliance_tripped"
	ErrReadTimeout       ErrorCode = "read_timeout"
	ErrSessionClosed     ErrorCode = "session_closed"

	// Bus errors
	ErrBusWrite ErrorCode = "bus_write_failed"
	ErrBusRead  ErrorCode = "bus_read_failed"
	ErrBusOpen  ErrorCode = "bus_open_failed"
	ErrBusClose ErrorCode = "bus_close_failed"

	// Plan and result errors
	ErrInvalidPlan   ErrorCode = "invalid_plan"
	ErrStorageAccess ErrorCode = "storage_access_failed"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrInvalidOperation ErrorCode = "invalid_operation"
	ErrCanceled         ErrorCode = "operation_canceled"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrUnavailable:       "Service unavailable",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read configuration",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrUnsupportedMode:   "Operation not supported in current source function",
	ErrProtocolDecode:    "Instrument response did not match expected format",
	ErrComplianceTripped: "Compliance limit exceeded",
	ErrReadTimeout:       "Instrument read timed out",
	ErrSessionClosed:     "Instrument session is closed",
	ErrBusWrite:          "Failed to write to instrument bus",
	ErrBusRead:           "Failed to read from instrument bus",
	ErrBusOpen:           "Failed to open instrument bus",
	ErrBusClose:          "Failed to close instrument bus",
	ErrInvalidPlan:       "Invalid measurement plan",
	ErrStorageAccess:     "Failed to access result storage",
	ErrOperationFailed:   "Operation failed",
	ErrInvalidOperation:  "Invalid operation",
	ErrCanceled:          "Operation canceled",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
