// Package errs defines the error kinds that cross component boundaries.
//
// Only three kinds exist. A nonzero tool exit is deliberately not one of them:
// it travels as a plain exit code on the run result.
//
//   - ValidationError: the caller sent something malformed, missing, or not
//     yet uploaded. Maps to a client failure and is never logged as a fault.
//   - AssemblyError: chunk concatenation failed. Reported as {success:false}.
//   - InfrastructureError: the tool is missing, the filesystem misbehaves, an
//     id collided. Maps to a generic server failure; the detail stays in logs.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports a bad request.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Msg, e.Err)
	}
	return "validation: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AssemblyError reports a failed chunk reassembly.
type AssemblyError struct {
	UploadID string
	Err      error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble upload %q: %v", e.UploadID, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// InfrastructureError reports an environment failure the caller cannot fix.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Assembly wraps err as an AssemblyError for uploadID.
func Assembly(uploadID string, err error) error {
	return &AssemblyError{UploadID: uploadID, Err: err}
}

// Infrastructure wraps err as an InfrastructureError. A nil err stays nil.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAssembly(err error) bool {
	var a *AssemblyError
	return errors.As(err, &a)
}

func IsInfrastructure(err error) bool {
	var i *InfrastructureError
	return errors.As(err, &i)
}
