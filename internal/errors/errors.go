package errors

import (
	"errors"
	"fmt"
)

// Kind separates errors that need an operator from errors that are expected
// to go away on retry.
type Kind int

const (
	// KindInternal flags a bug, a broken invariant or a local misconfiguration.
	KindInternal Kind = iota
	// KindExternal flags a transient or third-party failure.
	KindExternal
)

func (k Kind) String() string {
	if k == KindExternal {
		return "external"
	}
	return "internal"
}

// Internal error subtypes.
const (
	SubtypeMissingEnvVar          = "Missing env var"
	SubtypeEmptyEnvVar            = "Empty env var"
	SubtypeStoredProcedureRequest = "Stored Procedure Request Error"
	SubtypeStatusTransition       = "Job Status Transition Error"
	SubtypeRabbitMQQueue          = "RabbitMQ Queue Error"
	SubtypeNomadCommand           = "Nomad Command Error"
	SubtypeNomadInconsistency     = "Job inconsistency with Nomad"
	SubtypeEndpointPublication    = "Endpoint Publication Failure"
	SubtypeImagePull              = "SI software docker image pull error"
	SubtypeStoreRequest           = "Database Request Error"
	SubtypeCatalogueRequest       = "Catalogue Request Error"
	SubtypeConfiguration          = "Job Configuration Error"
	SubtypeWorkerTemplate         = "Worker Template Error"
)

// External error subtypes.
const (
	SubtypeSciHub               = "ESA SciHub Error"
	SubtypeHRSIOverloaded       = "HR-S&I API Overloaded"
	SubtypeCreodiasOverloaded   = "Creodias API Overloaded"
	SubtypeNomadCommandTimeout  = "Nomad Command Timeout Error"
	SubtypeIaaSRequest          = "IaaS API Error"
	SubtypeWorkerTemplateNotRun = "Worker Template Not Initialized"
)

// CsiError is the error type carried across the orchestrator layers. The
// loop runner maps its Kind to a status transition or to a service exit.
type CsiError struct {
	Kind    Kind
	Subtype string
	Message string
	Err     error
}

// Error implements the error interface
func (e *CsiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error [%s]: %s: %v", e.Kind, e.Subtype, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Subtype, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *CsiError) Unwrap() error {
	return e.Err
}

// Internal creates an internal CsiError.
func Internal(subtype, message string, err error) *CsiError {
	return &CsiError{Kind: KindInternal, Subtype: subtype, Message: message, Err: err}
}

// External creates an external CsiError.
func External(subtype, message string, err error) *CsiError {
	return &CsiError{Kind: KindExternal, Subtype: subtype, Message: message, Err: err}
}

// Internalf is Internal with a formatted message and no cause.
func Internalf(subtype, format string, args ...interface{}) *CsiError {
	return Internal(subtype, fmt.Sprintf(format, args...), nil)
}

// Externalf is External with a formatted message and no cause.
func Externalf(subtype, format string, args ...interface{}) *CsiError {
	return External(subtype, fmt.Sprintf(format, args...), nil)
}

// As extracts the first CsiError in err's chain.
func As(err error) (*CsiError, bool) {
	var csiErr *CsiError
	if errors.As(err, &csiErr) {
		return csiErr, true
	}
	return nil, false
}

// IsInternal reports whether err is an internal CsiError. Errors that are not
// CsiErrors at all are treated as internal by the loop runner, not here.
func IsInternal(err error) bool {
	csiErr, ok := As(err)
	return ok && csiErr.Kind == KindInternal
}

// IsExternal reports whether err is an external CsiError.
func IsExternal(err error) bool {
	csiErr, ok := As(err)
	return ok && csiErr.Kind == KindExternal
}

// HasSubtype reports whether err is a CsiError with the given subtype.
func HasSubtype(err error, subtype string) bool {
	csiErr, ok := As(err)
	return ok && csiErr.Subtype == subtype
}
