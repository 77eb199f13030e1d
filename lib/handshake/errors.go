package handshake

import "errors"

var (
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrHandshakeCancelled = errors.New("handshake cancelled")
	ErrRejected           = errors.New("handshake rejected by peer")
	ErrUnexpectedMessage  = errors.New("handshake message does not match any attempt")
	ErrRecordMismatch     = errors.New("handshake record does not belong to sender")
	ErrConfirmMismatch    = errors.New("handshake confirmation does not verify")
	ErrMissingSession     = errors.New("handshake message without session id")
	ErrNoLocalRecord      = errors.New("local record unavailable")
)
