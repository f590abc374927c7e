// Package dhterr defines the error-kind taxonomy shared across the DHT
// node: a fixed set of causes (parse failure, network, timeout, ...) that
// callers can test for with errors.Is/errors.As instead of string matching.
package dhterr

import (
	"errors"
	"fmt"
)

// Kind identifies the broad category of a DHT error.
type Kind string

const (
	KindFrame       Kind = "frame"       // bencode/wire parse failure
	KindNet         Kind = "net"         // socket I/O failure
	KindBind        Kind = "bind"        // failed to bind a listening socket
	KindTimeout     Kind = "timeout"     // an outbound query timed out
	KindToken       Kind = "token"       // announce_peer token rejected
	KindTransaction Kind = "transaction" // duplicate or closed transaction
	KindBlockList   Kind = "blocklist"   // source is currently blocklisted
	KindPath        Kind = "path"        // filesystem path resolution failure
	KindID          Kind = "id"          // identifier validation/construction failure
	KindGeneral     Kind = "general"
	KindShutdown    Kind = "shutdown"
)

// Error wraps an underlying cause with a Kind and a human description.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
