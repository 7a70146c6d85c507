// Package errs defines the two failure classes a schedule rebuild can report.
//
// ConfigError means persisted schedule data is malformed or fails validation.
// StoreError means the entity store was unreachable or a read failed.
// Both unwrap to their cause and match the package sentinels with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrStore         = errors.New("store error")
)

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Config wraps err as a ConfigError. A nil err yields nil.
func Config(field string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) && (field == "" || ce.Field == field) {
		return err
	}
	return &ConfigError{Field: field, Err: err}
}

// Configf builds a ConfigError from a format string.
func Configf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Store wraps err as a StoreError. A nil err yields nil; an existing StoreError is returned as is.
func Store(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

func IsConfig(err error) bool { return errors.Is(err, ErrConfiguration) }

func IsStore(err error) bool { return errors.Is(err, ErrStore) }
