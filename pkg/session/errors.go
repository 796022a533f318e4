package session

import "errors"

// Fatal session errors (spec §4.1, §7 "Cryptographic failure" /
// "Protocol violation"). All are fatal for the session: the connection
// manager tears the connection down and records a reputation event; none
// are retried by the session itself.
var (
	ErrHandshakeTimeout = errors.New("session: handshake timeout")
	ErrIdentityMismatch = errors.New("session: declared identity does not match dialed peer id")
	ErrAeadAuthFailed   = errors.New("session: AEAD authentication failed")
	ErrReplayOrReorder  = errors.New("session: frame nonce out of sequence")
	ErrRekeyFailed      = errors.New("session: rekey failed")
	ErrRekeyInProgress  = errors.New("session: rekey already in progress")
	ErrFrameTooLarge    = errors.New("session: frame exceeds MaxFrame")
	ErrSessionClosed    = errors.New("session: session is closed")
)
