package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRequest  = errors.New("invalid strategy request")
	ErrNotRegistered   = errors.New("not registered")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnsupportedMode = errors.New("unsupported trading mode")
	ErrCycleFailed     = errors.New("decision cycle failed")
	ErrStopped         = errors.New("strategy stopped")
	ErrLockHeld        = errors.New("lock already held")
)
