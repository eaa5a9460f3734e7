package client

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrCancelled is returned when a request was aborted through its context,
// typically because a newer request superseded it.
var ErrCancelled = errors.New("request cancelled")

// previewLimit bounds the raw-body preview carried by MalformedError.
const previewLimit = 200

// RejectedError is a well-formed envelope in which the server reported failure.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request (status %d)", e.Status)
	}
	return e.Message
}

// MalformedError is a response that was not JSON or not the expected shape.
type MalformedError struct {
	Status  int
	Preview string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed response (status %d): %v", e.Status, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// NetworkError is a transport failure: the request never produced a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err stems from a cancelled request.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// AsRejected checks if an error is a RejectedError and returns it.
func AsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AsMalformed checks if an error is a MalformedError and returns it.
func AsMalformed(err error) (*MalformedError, bool) {
	var me *MalformedError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// AsNetwork checks if an error is a NetworkError and returns it.
func AsNetwork(err error) (*NetworkError, bool) {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

func preview(body []byte) string {
	if len(body) <= previewLimit {
		return string(body)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "…"
}
