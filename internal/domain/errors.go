package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawn means the binary is missing or could not be executed.
	ErrSpawn = errors.New("spawn failed")
	// ErrProxyNeverReady means the proxy port did not open in time.
	ErrProxyNeverReady = errors.New("proxy never became ready")
	// ErrProxyExited means the proxy process died before its port opened.
	ErrProxyExited = errors.New("proxy exited before becoming ready")
	// ErrEscalationExhausted means the OS refused to kill the process.
	ErrEscalationExhausted = errors.New("process could not be killed")
	// ErrUnknownCrawler is returned for crawler names missing from the registry.
	ErrUnknownCrawler = errors.New("unknown crawler kind")
	// ErrConfig marks an invalid campaign configuration.
	ErrConfig = errors.New("invalid configuration")
)

// Error captures the failing operation alongside its error kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E constructs an Error with the provided context.
func E(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
