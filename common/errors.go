// common/errors.go - error kinds shared across packages
package common

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure so the command dispatcher can map it
// to an exit code and a remediation hint. Nothing is swallowed along the way:
// every error that reaches the operator carries exactly one Kind.
type Kind int

const (
	KindInternal Kind = iota
	KindPrecondition
	KindConnection
	KindDecryption
	KindRender
	KindSwap
	KindHealthTimeout
	KindLockHeld
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindConnection:
		return "connection"
	case KindDecryption:
		return "decryption"
	case KindRender:
		return "render"
	case KindSwap:
		return "swap"
	case KindHealthTimeout:
		return "health-timeout"
	case KindLockHeld:
		return "lock-held"
	default:
		return "internal"
	}
}

// ExitCode returns the process exit code for the kind. 0 is never returned.
func (k Kind) ExitCode() int {
	switch k {
	case KindPrecondition:
		return 2
	case KindConnection:
		return 3
	case KindDecryption:
		return 4
	case KindRender:
		return 5
	case KindSwap:
		return 6
	case KindHealthTimeout:
		return 7
	case KindLockHeld:
		return 8
	default:
		return 1
	}
}

// Remediation returns the operator-facing suggested fix for the kind.
func (k Kind) Remediation() string {
	switch k {
	case KindPrecondition:
		return "fix the reported precondition and re-run; nothing on the target was changed"
	case KindConnection:
		return "check target address, SSH identity and reachability, then re-run"
	case KindDecryption:
		return "verify the vault passphrase; the document was not modified"
	case KindRender:
		return "define the missing variable in the vault or public vars; the target was not touched"
	case KindSwap:
		return "inspect the target release directory; the previous release is still active"
	case KindHealthTimeout:
		return "services did not become healthy in time; the previous release was restored"
	case KindLockHeld:
		return "another deploy holds the target lock; wait for it to finish or remove a stale lock"
	default:
		return "re-run with SHIPYARD_LOG_LEVEL=debug for details"
	}
}

// OpError wraps an error with its Kind.
type OpError struct {
	Kind Kind
	Err  error
}

func (e *OpError) Error() string { return e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

// E builds a new kinded error.
func E(kind Kind, format string, args ...interface{}) error {
	return &OpError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil error stays nil and an
// already-kinded error keeps its original kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}
