package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattn/go-sqlite3"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindDomain
	KindValidation
	KindConflict
	KindOptimisticLock
	KindMalformed
	KindTransport
)

var kindNames = [...]string{
	KindInternal:       "internal",
	KindAuthentication: "authentication",
	KindAuthorization:  "authorization",
	KindDomain:         "domain",
	KindValidation:     "validation",
	KindConflict:       "conflict",
	KindOptimisticLock: "optimistic_lock",
	KindMalformed:      "malformed",
	KindTransport:      "transport",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Wire codes carried in error envelopes.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorised"
	CodeForbidden    = "forbidden"
	CodeConflict     = "conflict"
	CodeGone         = "gone"
	CodeValidation   = "validation_error"
	CodeInternal     = "internal_error"
)

// Client-facing messages for kinds whose detail must not leak.
const (
	MsgInvalidCredentials = "Invalid credentials"
	MsgUnauthorized       = "Unauthorized"
	MsgInvalidParameters  = "Invalid request parameters"
	MsgConflict           = "Conflict. Data was modified concurrently, please retry"
	MsgInternal           = "internal server error"
)

// Error is a classified failure. Message is safe to show to clients; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Status  int // only meaningful for KindDomain
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Authentication reports bad or missing credentials.
func Authentication(err error) *Error {
	return &Error{Kind: KindAuthentication, Message: MsgInvalidCredentials, Err: err}
}

// Authorization reports an authenticated principal lacking access.
func Authorization(err error) *Error {
	return &Error{Kind: KindAuthorization, Message: MsgUnauthorized, Err: err}
}

// Domain reports a business-rule failure with its own status, e.g. 404 for an
// unknown device or 410 for an expired command.
func Domain(status int, message string) *Error {
	return &Error{Kind: KindDomain, Status: status, Message: message}
}

// NotFound is Domain(404, message) wrapping err.
func NotFound(message string, err error) *Error {
	return &Error{Kind: KindDomain, Status: http.StatusNotFound, Message: message, Err: err}
}

// Validation reports a request payload that decoded but is not acceptable.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf wraps err as a validation failure using err's text as the message.
func Validationf(err error) *Error {
	return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
}

// Conflict reports a storage uniqueness or constraint collision.
func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// OptimisticLock reports a concurrent-modification collision.
func OptimisticLock(err error) *Error {
	return &Error{Kind: KindOptimisticLock, Message: MsgConflict, Err: err}
}

// Malformed reports a request that could not be decoded at all.
func Malformed(err error) *Error {
	return &Error{Kind: KindMalformed, Message: MsgInvalidParameters, Err: err}
}

// Transport reports a failed send to a session.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

// Mapped is the wire-level rendering of an error.
type Mapped struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
}

// Classify maps any error to a status, code and message.
// A nil error maps to 200 with no code.
func Classify(err error) Mapped {
	if err == nil {
		return Mapped{Status: http.StatusOK}
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.mapped()
	}

	if isConstraint(err) {
		return Conflict(constraintMessage(err), err).mapped()
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Malformed(err).mapped()
	}

	return Mapped{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: MsgInternal,
	}
}

// KindOf returns the Kind Classify would assign to err.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// IsClientSafe reports whether err's message may be shown verbatim.
func IsClientSafe(err error) bool {
	k := KindOf(err)
	return k != KindInternal && k != KindTransport
}

func (e *Error) mapped() Mapped {
	m := Mapped{Kind: e.Kind, Message: e.Message}
	switch e.Kind {
	case KindAuthentication, KindAuthorization:
		m.Status, m.Code = http.StatusUnauthorized, CodeUnauthorized
	case KindDomain:
		m.Status = e.Status
		if m.Status == 0 {
			m.Status = http.StatusBadRequest
		}
		m.Code = codeForStatus(m.Status)
	case KindValidation:
		m.Status, m.Code = http.StatusBadRequest, CodeValidation
	case KindConflict, KindOptimisticLock:
		m.Status, m.Code = http.StatusConflict, CodeConflict
	case KindMalformed:
		m.Status, m.Code = http.StatusBadRequest, CodeBadRequest
	default:
		m.Status, m.Code, m.Message = http.StatusInternalServerError, CodeInternal, MsgInternal
	}
	if m.Message == "" {
		m.Message = http.StatusText(m.Status)
	}
	return m
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusConflict:
		return CodeConflict
	case http.StatusGone:
		return CodeGone
	default:
		if status >= http.StatusInternalServerError {
			return CodeInternal
		}
		return CodeBadRequest
	}
}

// isConstraint reports whether err is a SQLite constraint violation
// (UNIQUE, FOREIGN KEY, NOT NULL, CHECK).
func isConstraint(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func constraintMessage(err error) string {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return "resource already exists"
		case sqlite3.ErrConstraintForeignKey:
			return "referenced resource does not exist"
		}
	}
	return "constraint violation"
}
