package presence

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed lobby message")
	ErrNoAgreementKey   = errors.New("peer has no cached agreement key")
	ErrNotRunning       = errors.New("protocol not running")
)
