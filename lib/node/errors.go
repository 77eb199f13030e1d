package node

import "errors"

var (
	ErrPeerNotFound   = errors.New("peer record not found")
	ErrAckTimeout     = errors.New("no acknowledgement before timeout")
	ErrRequestTimeout = errors.New("no response before timeout")
	ErrNotStarted     = errors.New("node not started")
	ErrStopped        = errors.New("node stopped")
	ErrWrongResponder = errors.New("response from unexpected peer")
	ErrNoSessionKey   = errors.New("session has no key")
)
