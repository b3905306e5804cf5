// Package tfserr defines the closed error taxonomy that every tierfs
// package reports through. Callers distinguish kinds with Is; the
// underlying cause (via github.com/pkg/errors) is preserved for logging.
package tfserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the terminal error categories a tierfs operation can
// report. The set is closed: callers switch on it exhaustively.
type Kind int

const (
	// Invalid marks bad arguments: n == 0, a block number outside every
	// tier's window, and similar caller errors.
	Invalid Kind = iota
	// OutOfSpace marks an allocator that cannot satisfy a contiguous
	// request within a tier, even though aggregate free space exists.
	OutOfSpace
	// OutOfMemory marks range-node pool exhaustion.
	OutOfMemory
	// IOError marks a block-device submission failure, or a free()
	// whose range falls outside its owning shard's window.
	IOError
	// Busy marks a migration target already mid-migration, or a page
	// range currently locked by a reader or writer.
	Busy
	// Unsupported marks a tier pair with no defined copy path (e.g. a
	// direct PMEM-to-PMEM move attempted through the bdev path).
	Unsupported
	// Corrupt marks a range-node checksum mismatch. Corruption is not
	// fatal to the walk that discovers it; the node is skipped.
	Corrupt
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "INVALID"
	case OutOfSpace:
		return "OUT_OF_SPACE"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case IOError:
		return "IO_ERROR"
	case Busy:
		return "BUSY"
	case Unsupported:
		return "UNSUPPORTED"
	case Corrupt:
		return "CORRUPT"
	default:
		return "UNKNOWN"
	}
}

// kindError is the sentinel type wrapped by New/Wrap. Kind() lets Is
// recover the category after the error has been wrapped further up
// the call stack with errors.Wrap.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.msg) }

// Kind reports the error's category.
func (e *kindError) Kind() Kind { return e.kind }

// New creates an error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches additional context to err while preserving its kind.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Is reports whether err (or any error it wraps) was created with the
// given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind == kind
		}
		cause := errors.Cause(err)
		if cause == err {
			return false
		}
		err = cause
	}
	return false
}

// KindOf extracts the Kind carried by err, defaulting to Invalid if err
// was not produced by this package.
func KindOf(err error) Kind {
	cause := errors.Cause(err)
	if ke, ok := cause.(*kindError); ok {
		return ke.kind
	}
	return Invalid
}
