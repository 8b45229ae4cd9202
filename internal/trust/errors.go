package trust

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the category of a trust provider failure.
type ErrorType string

const (
	ErrorTypeInvalidArgument      ErrorType = "invalid_argument"
	ErrorTypeBundleLoad           ErrorType = "bundle_load"
	ErrorTypeAlgorithmUnavailable ErrorType = "algorithm_unavailable"
	ErrorTypeStoreInit            ErrorType = "store_init"
	ErrorTypeNoX509Verifier       ErrorType = "no_x509_verifier"

	// Lifecycle errors
	ErrorTypeNotInitialized     ErrorType = "not_initialized"
	ErrorTypeAlreadyInitialized ErrorType = "already_initialized"

	ErrorTypeChainValidation ErrorType = "chain_validation"
)

// Sentinel errors matched by errors.Is against any *TrustError of the same type.
var (
	ErrInvalidArgument      = errors.New("trust: invalid argument")
	ErrBundleLoad           = errors.New("trust: bundle could not be decoded")
	ErrAlgorithmUnavailable = errors.New("trust: algorithm unavailable")
	ErrStoreInit            = errors.New("trust: trust store initialization failed")
	ErrNoX509Verifier       = errors.New("trust: no X.509 verifier available")
	ErrNotInitialized       = errors.New("trust: provider not initialized")
	ErrAlreadyInitialized   = errors.New("trust: provider already initialized")
	ErrChainValidation      = errors.New("trust: certificate chain validation failed")
)

var sentinels = map[ErrorType]error{
	ErrorTypeInvalidArgument:      ErrInvalidArgument,
	ErrorTypeBundleLoad:           ErrBundleLoad,
	ErrorTypeAlgorithmUnavailable: ErrAlgorithmUnavailable,
	ErrorTypeStoreInit:            ErrStoreInit,
	ErrorTypeNoX509Verifier:       ErrNoX509Verifier,
	ErrorTypeNotInitialized:       ErrNotInitialized,
	ErrorTypeAlreadyInitialized:   ErrAlreadyInitialized,
	ErrorTypeChainValidation:      ErrChainValidation,
}

// TrustError is a structured error carrying its category, context and
// operator-facing suggestions.
type TrustError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TrustError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TrustError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's type.
func (e *TrustError) Is(target error) bool {
	sentinel, ok := sentinels[e.Type]
	return ok && sentinel == target
}

// WithContext adds context information to the error
func (e *TrustError) WithContext(key string, value interface{}) *TrustError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TrustError) WithSuggestion(suggestion string) *TrustError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns the error message followed by numbered suggestions.
func (e *TrustError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTrustError creates a new error with the specified type and message
func NewTrustError(errorType ErrorType, message string) *TrustError {
	return &TrustError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTrustErrorWithCause creates a new error with an underlying cause
func NewTrustErrorWithCause(errorType ErrorType, message string, cause error) *TrustError {
	return &TrustError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewInvalidArgumentError(argument, reason string) *TrustError {
	return NewTrustError(ErrorTypeInvalidArgument, fmt.Sprintf("invalid %s: %s", argument, reason)).
		WithContext("argument", argument).
		WithSuggestion("Provide a trust bundle source that exists and is not empty")
}

func NewBundleLoadError(source string, cause error) *TrustError {
	return NewTrustErrorWithCause(ErrorTypeBundleLoad, "failed to load trust bundle", cause).
		WithContext("source", source).
		WithSuggestion("Check that the bundle is PEM, DER, PKCS#12 or JKS").
		WithSuggestion("Verify the bundle password when using PKCS#12 or JKS")
}

func NewAlgorithmUnavailableError(algorithm string, cause error) *TrustError {
	return NewTrustErrorWithCause(ErrorTypeAlgorithmUnavailable, fmt.Sprintf("%s is not available on this platform", algorithm), cause).
		WithContext("algorithm", algorithm).
		WithSuggestion("Disable include_system_roots if the platform has no CA store").
		WithSuggestion("Use one of the supported bundle formats: auto, pem, der, pkcs12, jks")
}

func NewStoreInitError(source, reason string, cause error) *TrustError {
	return NewTrustErrorWithCause(ErrorTypeStoreInit, fmt.Sprintf("trust store initialization failed: %s", reason), cause).
		WithContext("source", source).
		WithSuggestion("Ensure the bundle contains at least one CA certificate").
		WithSuggestion("Regenerate the sha256 pin if the bundle was intentionally replaced")
}

func NewNoX509VerifierError(available []string) *TrustError {
	return NewTrustError(ErrorTypeNoX509Verifier, "verifier factory produced no X.509 chain verifier").
		WithContext("available", strings.Join(available, ",")).
		WithSuggestion("The platform TLS stack is mis-provisioned; this is not recoverable at runtime")
}

func NewNotInitializedError(state State) *TrustError {
	return NewTrustError(ErrorTypeNotInitialized, "trust provider has not completed initialization").
		WithContext("state", state.String())
}

func NewAlreadyInitializedError(state State) *TrustError {
	return NewTrustError(ErrorTypeAlreadyInitialized, "trust provider cannot be initialized twice").
		WithContext("state", state.String()).
		WithSuggestion("Restart the process to load a different trust bundle")
}

func NewChainValidationError(usage string, cause error) *TrustError {
	return NewTrustErrorWithCause(ErrorTypeChainValidation, fmt.Sprintf("%s certificate chain rejected", usage), cause).
		WithContext("usage", usage)
}

// IsFatal reports whether err indicates a mis-provisioned platform.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoX509Verifier)
}

// IsInitializationError reports whether err is one of the failures that can
// end initialization in the Failed state.
func IsInitializationError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrBundleLoad) ||
		errors.Is(err, ErrAlgorithmUnavailable) ||
		errors.Is(err, ErrStoreInit) ||
		errors.Is(err, ErrNoX509Verifier)
}

// GetRecoverySuggestions returns the suggestions attached to err, if any.
func GetRecoverySuggestions(err error) []string {
	var trustErr *TrustError
	if errors.As(err, &trustErr) {
		return trustErr.Suggestions
	}
	return []string{"Check logs for more details", "Verify the trust configuration is correct"}
}

// ErrorSeverity levels
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func GetErrorSeverity(err error) ErrorSeverity {
	var trustErr *TrustError
	if !errors.As(err, &trustErr) {
		return SeverityError
	}

	switch trustErr.Type {
	case ErrorTypeNoX509Verifier, ErrorTypeAlgorithmUnavailable:
		return SeverityCritical
	case ErrorTypeInvalidArgument, ErrorTypeBundleLoad, ErrorTypeStoreInit:
		return SeverityError
	case ErrorTypeChainValidation, ErrorTypeNotInitialized:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
