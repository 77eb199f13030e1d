package session

import "errors"

var (
	ErrNoSuchSession     = errors.New("no such session")
	ErrSessionExpired    = errors.New("session expired")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNotEstablished    = errors.New("session not established")
)
