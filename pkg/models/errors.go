package models

import "errors"

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks requests rejected before reaching the store
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict is returned when a row changed since it was read
	ErrConflict = errors.New("conflicting update")

	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrExecution             = errors.New("execution error")
	ErrEvaluation            = errors.New("evaluation error")
	ErrAlertRule             = errors.New("alert rule error")
	ErrNotificationDelivery  = errors.New("notification delivery error")
)
