package httpproxy

import "errors"

var (
	ErrBind   = errors.New("httpproxy: unable to bind listener")
	ErrClosed = errors.New("httpproxy: server closed")
)
