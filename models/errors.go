package models

import (
	"errors"
	"fmt"
)

// ValidationError reports invalid caller input
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a ValidationError with the given message
func NewValidationError(msg string) error {
	return &ValidationError{Message: msg}
}

// NotFoundError reports a referenced key or record that does not exist
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// NewNotFoundError creates a NotFoundError with the given message
func NewNotFoundError(msg string) error {
	return &NotFoundError{Message: msg}
}

// ErrDecryption is the single failure surfaced for any undecryptable ciphertext.
// Wrong keys and corrupted data are deliberately indistinguishable.
var ErrDecryption = &DecryptionError{}

// DecryptionError reports that ciphertext could not be decrypted with the supplied key
type DecryptionError struct{}

func (e *DecryptionError) Error() string {
	return "decryption failed: invalid key or corrupted data"
}

// Is makes every DecryptionError match ErrDecryption
func (e *DecryptionError) Is(target error) bool {
	_, ok := target.(*DecryptionError)
	return ok
}

// StorageError wraps a key store failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err as a StorageError for op; nil stays nil
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsDecryption reports whether err is or wraps a DecryptionError
func IsDecryption(err error) bool {
	return errors.Is(err, ErrDecryption)
}

// IsStorage reports whether err is or wraps a StorageError
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
