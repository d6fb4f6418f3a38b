package model

import (
	"errors"
	"fmt"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

var (
	// ErrKeyNotFound matches every lookup of a name absent from a table section.
	ErrKeyNotFound = anndata.ErrKeyNotFound
	// ErrInvalidArgument matches selectors that cannot be interpreted.
	ErrInvalidArgument = errors.New("invalid argument")
)

// KeyError reports a key missing from a named table section.
type KeyError struct {
	Key     string
	Section string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("Key `%s` not found in `%s`.", e.Key, e.Section)
}

// Unwrap lets errors.Is match ErrKeyNotFound.
func (e *KeyError) Unwrap() error { return ErrKeyNotFound }

// ArgumentError reports a value that could not be interpreted.
type ArgumentError struct {
	Value string
	Msg   string
}

func (e *ArgumentError) Error() string { return e.Msg }

// Unwrap lets errors.Is match ErrInvalidArgument.
func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

func argumentErrorf(value string, format string, args ...any) error {
	return &ArgumentError{Value: value, Msg: fmt.Sprintf(format, args...)}
}
