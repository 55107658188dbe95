package resilience

import (
	"fmt"
	"maps"
	"time"
)

// Kind identifies a failure class in the error taxonomy.
type Kind string

const (
	KindNetworkTimeout       Kind = "NETWORK_TIMEOUT"
	KindBridgeUnavailable    Kind = "BRIDGE_UNAVAILABLE"
	KindProcessCommunication Kind = "PROCESS_COMMUNICATION_FAILURE"
	KindResourceExhausted    Kind = "RESOURCE_EXHAUSTED"

	KindInvalidPath        Kind = "INVALID_PATH"
	KindMissingSourceFile  Kind = "MISSING_SOURCE_FILE"
	KindInvalidBankName    Kind = "INVALID_BANK_NAME"
	KindMemoryBankNotFound Kind = "MEMORY_BANK_NOT_FOUND"
	KindInvalidParameters  Kind = "INVALID_PARAMETERS"
	KindBankExists         Kind = "MEMORY_BANK_EXISTS"

	KindDependencyMissing Kind = "DEPENDENCY_MISSING"
	KindPermissionDenied  Kind = "PERMISSION_DENIED"
	KindInsufficientDisk  Kind = "INSUFFICIENT_DISK_SPACE"
	KindCorruptedBank     Kind = "CORRUPTED_MEMORY_BANK"
	KindEncodingFailure   Kind = "ENCODING_FAILURE"

	KindUnsupportedFileType  Kind = "UNSUPPORTED_FILE_TYPE"
	KindInvalidConfiguration Kind = "INVALID_CONFIGURATION"
	KindLogicError           Kind = "LOGIC_ERROR"
)

// Category groups kinds by how callers should react to them.
type Category string

const (
	CategoryTransient     Category = "transient"
	CategoryConfiguration Category = "configuration"
	CategorySystem        Category = "system"
	CategoryPermanent     Category = "permanent"
)

// Category reports the taxonomy bucket for the kind.
func (k Kind) Category() Category {
	switch k {
	case KindNetworkTimeout, KindBridgeUnavailable, KindProcessCommunication, KindResourceExhausted:
		return CategoryTransient
	case KindInvalidPath, KindMissingSourceFile, KindInvalidBankName, KindMemoryBankNotFound, KindInvalidParameters, KindBankExists:
		return CategoryConfiguration
	case KindDependencyMissing, KindPermissionDenied, KindInsufficientDisk, KindCorruptedBank, KindEncodingFailure:
		return CategorySystem
	default:
		return CategoryPermanent
	}
}

// Transient reports whether failures of this kind may succeed on a later attempt.
func (k Kind) Transient() bool { return k.Category() == CategoryTransient }

// Severity ranks how loudly a failure should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the structured failure every caller above the resilience layer
// receives. UserMessage and SuggestedAction are safe to show to end users;
// TechnicalDetail carries the raw cause text for logs and diagnostics.
type Error struct {
	Kind            Kind           `json:"kind"`
	Severity        Severity       `json:"severity"`
	Retryable       bool           `json:"retryable"`
	UserMessage     string         `json:"message"`
	TechnicalDetail string         `json:"detail,omitempty"`
	SuggestedAction string         `json:"suggestedAction,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Cause           error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.TechnicalDetail != "" && e.TechnicalDetail != e.UserMessage {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.UserMessage, e.TechnicalDetail)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.UserMessage)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// WithContext returns a copy of the error carrying an additional context value.
func (e *Error) WithContext(key string, value any) *Error {
	out := *e
	out.Context = maps.Clone(e.Context)
	if out.Context == nil {
		out.Context = make(map[string]any, 1)
	}
	out.Context[key] = value
	return &out
}

// WithSuggestion returns a copy of the error with a replaced suggested action.
func (e *Error) WithSuggestion(action string) *Error {
	out := *e
	out.SuggestedAction = action
	return &out
}

// New builds a classified error of the given kind. Retryability follows the
// kind's category.
func New(kind Kind, severity Severity, message, action string) *Error {
	return &Error{
		Kind:            kind,
		Severity:        severity,
		Retryable:       kind.Transient(),
		UserMessage:     message,
		SuggestedAction: action,
		Timestamp:       time.Now().UTC(),
	}
}

// Wrap builds a classified error recording cause as the technical detail.
func Wrap(kind Kind, severity Severity, message, action string, cause error) *Error {
	e := New(kind, severity, message, action)
	e.Cause = cause
	if cause != nil {
		e.TechnicalDetail = cause.Error()
	}
	return e
}

// BankNotFound reports a bank missing from disk or registry.
func BankNotFound(name string) *Error {
	return New(KindMemoryBankNotFound, SeverityMedium,
		fmt.Sprintf("Memory bank '%s' was not found", name),
		"List available banks and check the bank name").WithContext("bank", name)
}

// BankExists reports a create request for a bank that is already on disk or
// registered.
func BankExists(name string) *Error {
	return New(KindBankExists, SeverityLow,
		fmt.Sprintf("Memory bank '%s' already exists", name),
		"Choose a different name or add content to the existing bank").WithContext("bank", name)
}

// InvalidBankName reports a bank name that cannot be mapped to artifact paths.
func InvalidBankName(name string, cause error) *Error {
	return Wrap(KindInvalidBankName, SeverityMedium,
		fmt.Sprintf("'%s' is not a valid memory bank name", name),
		"Use a name without path separators", cause).WithContext("bank", name)
}

// InvalidParameters reports a request rejected before any work was done.
func InvalidParameters(message, action string) *Error {
	return New(KindInvalidParameters, SeverityLow, message, action)
}

// CorruptedBank reports a bank whose artifacts exist but fail validation.
func CorruptedBank(name string, problems []string) *Error {
	e := New(KindCorruptedBank, SeverityHigh,
		fmt.Sprintf("Memory bank '%s' is damaged or incomplete", name),
		"Run bank cleanup and recreate the bank from its sources").WithContext("bank", name)
	if len(problems) > 0 {
		e.TechnicalDetail = fmt.Sprint(problems)
	}
	return e
}

// EncodingFailure reports a worker-side failure while producing artifacts.
func EncodingFailure(name, detail string) *Error {
	e := New(KindEncodingFailure, SeverityHigh,
		fmt.Sprintf("Encoding memory bank '%s' failed", name),
		"Check the source files and the worker logs").WithContext("bank", name)
	e.TechnicalDetail = detail
	return e
}

func circuitOpen(failures int) *Error {
	e := New(KindBridgeUnavailable, SeverityHigh,
		"Service temporarily unavailable due to repeated failures",
		"Please wait and try again later")
	return e.WithContext("failureCount", failures)
}
