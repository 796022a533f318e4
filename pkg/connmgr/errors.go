package connmgr

import "errors"

var (
	ErrNotConnected    = errors.New("connmgr: peer not connected")
	ErrAlreadyConnected = errors.New("connmgr: peer already connected")
	ErrPoolFull        = errors.New("connmgr: connection pool at capacity and nothing prunable")
)
