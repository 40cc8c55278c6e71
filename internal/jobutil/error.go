// Package jobutil holds the failure taxonomy shared by every stage of a job.
//
// Each stage returns a classified *Error; the orchestrator is the only place
// that turns one into the host runtime's failure result.
package jobutil

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Kind classifies a job failure. Every failure reported to the host runtime
// carries exactly one Kind.
type Kind int

const (
	Internal Kind = iota
	BackendUnreachable
	BackendRejected
	BackendError
	Timeout
	ArtifactMissing
	StorageUnavailable
	WebhookDeliveryFailed
	ConfigurationInvalid
	InvalidInput
)

var kindCodes = map[Kind]string{
	Internal:              "INTERNAL",
	BackendUnreachable:    "BACKEND_UNREACHABLE",
	BackendRejected:       "BACKEND_REJECTED",
	BackendError:          "BACKEND_ERROR",
	Timeout:               "TIMEOUT",
	ArtifactMissing:       "ARTIFACT_MISSING",
	StorageUnavailable:    "STORAGE_UNAVAILABLE",
	WebhookDeliveryFailed: "WEBHOOK_DELIVERY_FAILED",
	ConfigurationInvalid:  "CONFIGURATION_INVALID",
	InvalidInput:          "INVALID_INPUT",
}

// Code returns the stable wire code for the kind, e.g. "BACKEND_UNREACHABLE".
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[Internal]
}

func (k Kind) String() string { return k.Code() }

// Error is a classified failure. Op names the operation that failed
// (e.g. "submit", "fetch image").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.Code()
	default:
		return e.Kind.Code()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail is the wire form of a failure: {"code": ..., "message": ...}.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Describe converts err into its wire form. It returns nil for a nil error.
func Describe(err error) *Detail {
	if err == nil {
		return nil
	}
	return &Detail{Code: KindOf(err).Code(), Message: err.Error()}
}

// LogJobError logs a classified job failure. It is the one place failures are
// logged at error level so each failed job produces a single error line.
func LogJobError(jobID, stage string, err error) {
	log.Error().
		Str("job", jobID).
		Str("stage", stage).
		Str("code", KindOf(err).Code()).
		Err(err).
		Msg("Job failed")
}
