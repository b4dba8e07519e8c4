package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrNoJobAvailable      = errors.New("no job available")
	ErrTerminalState       = errors.New("job already in terminal state")
	ErrClaimLost           = errors.New("job no longer held by this attempt")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)
