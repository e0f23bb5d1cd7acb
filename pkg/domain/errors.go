package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = NewErr("NOT_FOUND", "not found", http.StatusNotFound)
	ErrInvalidIdentifier  = NewErr("INVALID_IDENTIFIER", "invalid recipient identifier", http.StatusBadRequest)
	ErrUnsupportedContent = NewErr("UNSUPPORTED_CONTENT_TYPE", "unsupported content type", http.StatusBadRequest)
	ErrContentTooSmall    = NewErr("CONTENT_TOO_SMALL", "content too small to carry a fingerprint", http.StatusBadRequest)
	ErrEmptyRecipientList = NewErr("EMPTY_RECIPIENT_LIST", "recipient list is empty", http.StatusBadRequest)
	ErrAmbiguous          = NewErr("AMBIGUOUS_MATCH", "attribution is ambiguous", http.StatusConflict)
	ErrStorageFailure     = NewErr("STORAGE_FAILURE", "storage failure", http.StatusInternalServerError)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrFileTooLarge       = NewErr("FILE_TOO_LARGE", "file too large", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// StorageErr tags a backend failure with the STORAGE_FAILURE kind while
// keeping the operation and driver error in the message.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrStorageFailure, "%s: %v", op, err)
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Message returns the user-facing text for an error, including any recipient
// tag wrapped around a domain sentinel, without leaking internal detail.
func Message(err error) string {
	if _, ok := err.(*Err); ok {
		return err.Error()
	}
	if _, ok := errors.Cause(err).(*Err); ok {
		return err.Error()
	}
	return "internal error"
}
