// Package errors defines the errno-coded errors returned by every layer of the
// FAT engine.
//
// All errors returned by the engine can be tested against the exported
// sentinels with the standard library's [errors.Is], even after they've been
// decorated with [DriverError.WithMessage] or [DriverError.Wrap].
package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around system errno codes, with a customizable error message.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error

	// WithMessage returns a new error with `message` appended to this one's
	// message. The new error unwraps to the receiver.
	WithMessage(message string) DriverError

	// Wrap returns a new error combining the receiver and `err`. Both can be
	// found with [errors.Is] and [errors.As].
	Wrap(err error) DriverError
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

var ErrNotPermitted = New(EPERM)
var ErrNotFound = New(ENOENT)
var ErrIOFailed = New(EIO)
var ErrBusy = New(EBUSY)
var ErrExists = New(EEXIST)
var ErrNotADirectory = New(ENOTDIR)
var ErrIsADirectory = New(EISDIR)
var ErrInvalidArgument = New(EINVAL)
var ErrFileTooLarge = New(EFBIG)
var ErrNoSpaceOnDevice = New(ENOSPC)
var ErrReadOnlyFileSystem = New(EROFS)
var ErrArgumentOutOfRange = New(EDOM)
var ErrResultOutOfRange = New(ERANGE)
var ErrNameTooLong = New(ENAMETOOLONG)
var ErrNotImplemented = New(ENOSYS)
var ErrDirectoryNotEmpty = New(ENOTEMPTY)
var ErrNoData = New(ENODATA)
var ErrNotSupported = New(ENOTSUP)
var ErrAlreadyInProgress = New(EALREADY)
var ErrFileSystemCorrupted = New(EUCLEAN)
var ErrWrongMediumType = New(EMEDIUMTYPE)
var ErrBadFileDescriptor = New(EBADF)

// ErrDirectoryFull is returned when a directory can't hold any more entries,
// either because it has a fixed size (FAT12/16 root directories) or because it
// hit the maximum directory size. It unwraps to [ErrNoSpaceOnDevice].
var ErrDirectoryFull = ErrNoSpaceOnDevice.WithMessage("directory is full")

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e *driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e *driverError) Errno() Errno {
	return e.errno
}

func (e *driverError) Unwrap() error {
	return e.originalError
}

// Is reports whether `target` is a bare errno error (such as [ErrNotFound])
// with the same code as this one. This lets errors created with [New] or
// [NewWithMessage] match the exported sentinels.
func (e *driverError) Is(target error) bool {
	other, ok := target.(*driverError)
	if !ok || other.originalError != nil {
		return false
	}
	return other.errno == e.errno
}

func (e *driverError) WithMessage(message string) DriverError {
	return &driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

func (e *driverError) Wrap(err error) DriverError {
	return &driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [DriverError] with a default message derived from the
// system's error code.
func New(errnoCode Errno) DriverError {
	return &driverError{
		errno:   errnoCode,
		message: StrError(errnoCode),
	}
}

// NewFromError creates a new [DriverError] that wraps `originalError`.
func NewFromError(errnoCode Errno, originalError error) DriverError {
	return &driverError{
		errno:         errnoCode,
		message:       fmt.Sprintf("%s: %s", StrError(errnoCode), originalError.Error()),
		originalError: originalError,
	}
}

// NewWithMessage creates a new DriverError from a system error code with a
// custom message.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return &driverError{
		errno:   errnoCode,
		message: fmt.Sprintf("%s: %s", StrError(errnoCode), message),
	}
}

// CastToDriverError returns `err` unchanged if it's already a [DriverError],
// nil if it's nil, and otherwise wraps it in an EIO error.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}
	if drvErr, ok := err.(DriverError); ok {
		return drvErr
	}
	return ErrIOFailed.Wrap(err)
}

// Is is the standard library's [errors.Is], so that code importing this package
// as `errors` doesn't need both.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As is the standard library's [errors.As].
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}
