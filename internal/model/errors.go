package model

import "errors"

// Error taxonomy. Everything except ErrConcurrencyConflict is a terminal,
// user-visible rejection that leaves all state untouched.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrBattleClosed        = errors.New("battle is not open for pledges")
	ErrCooldownActive      = errors.New("pledge cooldown active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)
