// Package services defines the business logic of the message pipeline.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer.
package services

import "errors"

var (
	// ErrEmptyMessage is returned when a submitted message is empty after
	// trimming whitespace.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a submitted message exceeds the maximum
	// configured rune length.
	ErrTooLong = errors.New("message too long")

	// ErrSessionNotFound indicates that the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidCategory is returned when a FAQ search names a category
	// outside the enumerated set.
	ErrInvalidCategory = errors.New("unknown FAQ category")

	// ErrInternal is returned when the pipeline fails in an unexpected way
	// (including recovered panics). Details are logged, never surfaced.
	ErrInternal = errors.New("internal pipeline error")
)
