package daemon

import (
	"errors"
	"fmt"
)

// ErrPortsExhausted means no port in a range is free and unbanned. Overlay
// startup cannot continue.
var ErrPortsExhausted = errors.New("no free port left in range")

// Kind is the operator-facing category of a daemon failure.
type Kind int

const (
	NoExecutable Kind = iota + 1
	NoRepository
	CommandFailed
	Unresponsive
	PortSquatted
)

func (k Kind) String() string {
	switch k {
	case NoExecutable:
		return "no executable"
	case NoRepository:
		return "no repository"
	case CommandFailed:
		return "command failed"
	case Unresponsive:
		return "daemon unresponsive"
	case PortSquatted:
		return "port squatted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a daemon failure with its category.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrNoExecutable  = &Error{Kind: NoExecutable}
	ErrNoRepository  = &Error{Kind: NoRepository}
	ErrCommandFailed = &Error{Kind: CommandFailed}
	ErrUnresponsive  = &Error{Kind: Unresponsive}
	ErrPortSquatted  = &Error{Kind: PortSquatted}
)

// KindOf returns the category of err, or 0 when err is not a daemon error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
