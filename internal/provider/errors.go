package provider

import "errors"

var (
	ErrClosed           = errors.New("provider: closed")
	ErrAlreadyOpen      = errors.New("provider: already open")
	ErrUnauthorized     = errors.New("provider: credential rejected")
	ErrRetriesExhausted = errors.New("provider: retries exhausted")
)
