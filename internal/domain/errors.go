package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrUnknownMessage    = errors.New("unknown peer message")
	ErrMalformedMessage  = errors.New("malformed peer message")
	ErrPeerBlacklisted   = errors.New("peer is blacklisted")
	ErrPeerMisbehaving   = errors.New("peer exceeded failure threshold")
	ErrTransport         = errors.New("transport engine failure")
	ErrVerification      = errors.New("content verification failed")
)

// ErrorKind classifies session errors for the event stream. Transport and
// peer errors are recoverable; verification failures discard the session.
type ErrorKind string

const (
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindPeer          ErrorKind = "peer"
	ErrorKindVerification  ErrorKind = "verification"
	ErrorKindSecureChannel ErrorKind = "secure_channel"
	ErrorKindGovernor      ErrorKind = "governor"
)
