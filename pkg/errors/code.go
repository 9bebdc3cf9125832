package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Request validation errors
// 12000-12999: Sandbox & isolation errors
// 13000-13999: Execution outcome errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	Internal           ErrorCode = 10001
	NotFound           ErrorCode = 10002
	ServiceUnavailable ErrorCode = 10003
	ResourceExhausted  ErrorCode = 10004

	// Storage errors (10100-10199)
	RepositoryError ErrorCode = 10100
	ArchiveError    ErrorCode = 10101

	// ========== Request Validation Errors (11000-11999) ==========

	InvalidArgument ErrorCode = 11000
	InvalidPath     ErrorCode = 11001
	EmptyArguments  ErrorCode = 11002

	// ========== Sandbox & Isolation Errors (12000-12999) ==========

	SandboxSetup  ErrorCode = 12000
	ResourceLimit ErrorCode = 12001
	WorkspaceInit ErrorCode = 12100

	// ========== Execution Outcome Errors (13000-13999) ==========

	SpawnFailed      ErrorCode = 13000
	WaitFailed       ErrorCode = 13001
	KillFailed       ErrorCode = 13002
	DeadlineExceeded ErrorCode = 13100
	Cancelled        ErrorCode = 13101
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:            "Success",
	Internal:           "Internal error",
	NotFound:           "Resource not found",
	ServiceUnavailable: "Service temporarily unavailable",
	ResourceExhausted:  "No available concurrency slots",

	RepositoryError: "Run record repository operation failed",
	ArchiveError:    "Server log archiving failed",

	InvalidArgument: "Invalid request argument",
	InvalidPath:     "Path resolves outside the build root",
	EmptyArguments:  "Argument list is empty",

	SandboxSetup:  "Sandbox construction failed",
	ResourceLimit: "Resource limiter could not be established",
	WorkspaceInit: "Task workspace preparation failed",

	SpawnFailed:      "Failed to spawn command",
	WaitFailed:       "Failed to wait for process tree",
	KillFailed:       "Forced termination failed",
	DeadlineExceeded: "Run deadline exceeded",
	Cancelled:        "Run cancelled by caller",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c >= 11000 && c < 12000:
		return 400
	case c == NotFound:
		return 404
	case c == ResourceExhausted:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == DeadlineExceeded:
		return 504
	default:
		return 500
	}
}
