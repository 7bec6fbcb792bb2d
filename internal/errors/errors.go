package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

type Op string

func (op Op) String() string {
	return string(op)
}

// Kind classifies an error. A Kind is itself an error so
// that callers can match on it with errors.Is:
//
//	errors.Is(err, errors.InvalidMagnet)
type Kind int

const (
	Internal Kind = iota + 1
	IO
	Network
	BadArgument
	InvalidMagnet
	MetadataTimeout
	NotYetAvailable
	PeerProtocolViolation
	HashMismatch
	Storage
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO Error"
	case Network:
		return "Network Error"
	case BadArgument:
		return "Bad arguments"
	case InvalidMagnet:
		return "Invalid magnet link"
	case MetadataTimeout:
		return "Metadata unavailable"
	case NotYetAvailable:
		return "Not yet available"
	case PeerProtocolViolation:
		return "Peer protocol violation"
	case HashMismatch:
		return "Hash mismatch"
	case Storage:
		return "Storage error"
	default:
		return "Internal Error"
	}
}

func (k Kind) Error() string {
	return k.String()
}

type Error struct {
	err  error
	op   Op
	kind Kind
}

func (e Error) Error() string {
	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

func (e Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.kind == k
}

func (e Error) Kind() Kind {
	return e.kind
}

type Errors []error

func (errs Errors) Error() string {
	var sb strings.Builder

	for i, err := range errs {
		sb.WriteString(err.Error())

		if i < len(errs)-1 {
			sb.WriteString(", ")
		}
	}

	return sb.String()
}

// Ops returns the chain of operations the error passed
// through, outermost first
func Ops(e error) []string {
	var out []string

	var err Error
	if !errors.As(e, &err) {
		return out
	}

	if err.op != "" {
		out = append(out, string(err.op))
	}
	out = append(out, Ops(err.err)...)

	return out
}

// KindOf returns the kind of the outermost Error in e's
// chain, or Internal
func KindOf(e error) Kind {
	var err Error
	if errors.As(e, &err) {
		return err.kind
	}

	var k Kind
	if errors.As(e, &k) {
		return k
	}

	return Internal
}

func Wrap(e error, args ...interface{}) error {
	if e == nil {
		return nil
	}

	err := Error{err: e, kind: Internal}

	var inner Error
	if errors.As(e, &inner) {
		err.kind = inner.kind
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			err.kind = v
		case Op:
			err.op = v
		}
	}

	return err
}

func New(e string) error {
	return Error{err: errors.New(e), kind: Internal}
}

func Newf(fmtStr string, args ...interface{}) error {
	return fmt.Errorf(fmtStr, args...)
}

func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
