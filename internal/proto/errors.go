package proto

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// StatusError reports a structural failure: the whole operation is aborted.
type StatusError struct {
	status byte
	msg    string
}

func (e *StatusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("cbmcopy: status=%d", e.status)
	}
	return e.msg
}

func (e *StatusError) Status() byte { return e.status }

// NewStatusErr builds a StatusError with a formatted message.
func NewStatusErr(st byte, format string, args ...interface{}) error {
	return &StatusError{status: st, msg: fmt.Sprintf(format, args...)}
}

// DriveError is a recoverable per-block failure reported by a drive (a DOS
// error channel code) or by an image file backend.
type DriveError struct {
	Code int
	Text string
}

func (e *DriveError) Error() string {
	text := e.Text
	if text == "" {
		text = DOSMessage(e.Code)
	}
	return fmt.Sprintf("%02d, %s", e.Code, text)
}

// NewDriveError returns a DriveError for code with the standard DOS text.
func NewDriveError(code int) error {
	return &DriveError{Code: code}
}

// ErrLink is the cause of every link-level failure: lost handshake, timeout,
// adapter I/O error.
var ErrLink = errors.New("transport link failure")

// LinkError wraps the underlying cause of a link failure.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + ErrLink.Error()
	}
	return e.Op + ": " + ErrLink.Error() + ": " + e.Err.Error()
}

func (e *LinkError) Unwrap() error { return e.Err }

func (e *LinkError) Is(target error) bool { return target == ErrLink }

// Link wraps err as a LinkError for operation op. A nil err yields nil.
func Link(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LinkError{Op: op, Err: err}
}

// ErrMoreData is returned for the burst status sentinel 0xff.
var ErrMoreData = errors.New("more data follows")

// Kind classifies the outcome of a transport operation.
type Kind int

const (
	KindOK Kind = iota
	KindDrive
	KindLinkFatal
	KindMoreData
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindDrive:
		return "drive error"
	case KindLinkFatal:
		return "link fatal"
	case KindMoreData:
		return "more data follows"
	default:
		return "unknown"
	}
}

// Result is the tagged form of a transport status.
type Result struct {
	Kind Kind
	Code int
}

// Classify maps err to a Result. Errors of unknown type count as link failures.
func Classify(err error) Result {
	if err == nil {
		return Result{Kind: KindOK}
	}
	var de *DriveError
	if errors.As(err, &de) {
		return Result{Kind: KindDrive, Code: de.Code}
	}
	if errors.Is(err, ErrMoreData) {
		return Result{Kind: KindMoreData, Code: MoreDataFollows}
	}
	return Result{Kind: KindLinkFatal, Code: -1}
}

// Code returns 0 for nil, the DOS code of a DriveError and -1 for anything else.
func Code(err error) int {
	return Classify(err).Code
}

// IsLinkFatal reports whether err aborts the current transport operation.
func IsLinkFatal(err error) bool {
	return err != nil && Classify(err).Kind == KindLinkFatal
}

// IsCanceled reports whether err stems from context cancellation rather than
// from the link itself.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// FromStatus converts a status byte received from a drive program.
func FromStatus(st byte) error {
	switch st {
	case DOSOk:
		return nil
	case MoreDataFollows:
		return ErrMoreData
	default:
		return NewDriveError(int(st))
	}
}
