package engine

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrSaveFailed    = errors.New("failed to save config")
)
