// Package fault classifies the ways a transcription session can fail.
//
// Every error that ends a session carries a Kind. Callers match on the kind
// with errors.Is against the sentinel values:
//
//	if errors.Is(err, fault.ErrServer) { ... }
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindAuth Kind = iota + 1
	KindConnect
	KindSend
	KindProtocol
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnect:
		return "connect"
	case KindSend:
		return "send"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

var (
	ErrAuth     = errors.New("auth error")
	ErrConnect  = errors.New("connect error")
	ErrSend     = errors.New("send error")
	ErrProtocol = errors.New("protocol error")
	ErrServer   = errors.New("server error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindConnect:
		return ErrConnect
	case KindSend:
		return ErrSend
	case KindProtocol:
		return ErrProtocol
	case KindServer:
		return ErrServer
	}
	return nil
}

// Error is a classified failure. Code is only set for server errors.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindServer:
		return fmt.Sprintf("%s: code %d: %v", e.Op, e.Code, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		err = kind.sentinel()
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Auth(op string, err error) error {
	return newError(KindAuth, op, err)
}

func Connect(op string, err error) error {
	return newError(KindConnect, op, err)
}

func Send(op string, err error) error {
	return newError(KindSend, op, err)
}

func Protocol(op string, err error) error {
	return newError(KindProtocol, op, err)
}

// Server reports a non-zero response code returned by the service.
func Server(code int, message string) error {
	if message == "" {
		message = "no reason given"
	}
	return &Error{
		Kind: KindServer,
		Op:   "server",
		Code: code,
		Err:  errors.New(message),
	}
}

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
