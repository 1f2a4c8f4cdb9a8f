package session

import "errors"

var (
	ErrNoTargetBound = errors.New("no target bound")
	ErrNotFound      = errors.New("target not found")
	ErrAction        = errors.New("action failed")
	ErrInvalidParams = errors.New("invalid parameters")
)
