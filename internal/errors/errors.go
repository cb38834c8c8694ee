package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindVerification marks operations with a bad signature or malformed
	// payload. Permanent: the operation is rejected and never merged.
	KindVerification Kind = "VERIFICATION"

	// KindDanglingParent marks operations whose parents are not yet known
	// locally. Transient: the operation is buffered until they arrive.
	KindDanglingParent Kind = "DANGLING_PARENT"

	// KindMissingCommit marks comparator failures where a referenced commit
	// cannot be fetched from the store.
	KindMissingCommit Kind = "MISSING_COMMIT"

	// KindTransport marks peer fetch failures. Retried with backoff.
	KindTransport Kind = "TRANSPORT"

	// KindSigning marks a local append failing because no key is available.
	KindSigning Kind = "SIGNING"

	// KindStorage marks store write failures. Fatal to the current sync cycle.
	KindStorage Kind = "STORAGE"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can test taxonomy
// membership with errors.Is(err, &Error{Kind: KindTransport}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func Verification(message string, err error) *Error {
	return &Error{Kind: KindVerification, Message: message, Err: err}
}

func DanglingParent(message string) *Error {
	return &Error{Kind: KindDanglingParent, Message: message}
}

func MissingCommit(message string, err error) *Error {
	return &Error{Kind: KindMissingCommit, Message: message, Err: err}
}

func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

func Signing(message string, err error) *Error {
	return &Error{Kind: KindSigning, Message: message, Err: err}
}

func Storage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// IsKind reports whether err belongs to the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
