// Package errors maps domain failures onto HTTP responses for the
// admin surface.
package errors

import (
	"errors"
	"net/http"
)

// Category classifies a request failure for status mapping and logging.
type Category int

const (
	// CategoryDataError marks requests the client built wrong, such as
	// a malformed query parameter or an unknown swap status.
	CategoryDataError Category = iota
	// CategoryResourceNotFound marks lookups of swaps that do not exist.
	CategoryResourceNotFound
	// CategoryDataConflict marks requests that contradict the current
	// swap state, such as refunding a swap that already settled.
	CategoryDataConflict
	// CategoryGeneralError covers everything else; the client only sees
	// "Internal Server Error" while the cause goes to the logs.
	CategoryGeneralError
)

var categoryNames = map[Category]string{
	CategoryDataError:        "CategoryDataError",
	CategoryResourceNotFound: "CategoryResourceNotFound",
	CategoryDataConflict:     "CategoryDataConflict",
	CategoryGeneralError:     "CategoryGeneralError",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "CategoryGeneralError"
}

var statusByCategory = map[Category]int{
	CategoryDataError:        http.StatusBadRequest,
	CategoryResourceNotFound: http.StatusNotFound,
	CategoryDataConflict:     http.StatusConflict,
	CategoryGeneralError:     http.StatusInternalServerError,
}

// ServiceError pairs a category and a client-safe message with the
// underlying cause. Message is what the client sees; Err is what the
// logs see.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error category to an HTTP status.
func (e *ServiceError) StatusCode() int {
	if code, ok := statusByCategory[e.Category]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// IsInternalError reports whether err warrants server-side logging.
// Client-caused categories do not.
func IsInternalError(err error) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		return true
	}
	switch svcErr.Category {
	case CategoryDataError, CategoryResourceNotFound, CategoryDataConflict:
		return false
	}
	return true
}

// wrap builds a ServiceError, synthesizing a cause when the caller has
// none so the log line always carries something.
func wrap(cat Category, err error, message string) error {
	if err == nil {
		err = errors.New(message)
	}
	return &ServiceError{Category: cat, Message: message, Err: err}
}

// BadRequestError reports invalid client input; message is returned to
// the client verbatim.
func BadRequestError(err error, message string) error {
	return wrap(CategoryDataError, err, message)
}

// ResourceNotFoundError reports a missing resource.
func ResourceNotFoundError(err error, message string) error {
	return wrap(CategoryResourceNotFound, err, message)
}

// ConflictError reports a request that contradicts current swap state.
func ConflictError(err error, message string) error {
	return wrap(CategoryDataConflict, err, message)
}

// GeneralError hides err behind a generic Internal Server Error.
func GeneralError(err error) error {
	return wrap(CategoryGeneralError, err, "Internal Server Error")
}
