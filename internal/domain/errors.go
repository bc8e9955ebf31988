package domain

import "errors"

// Store-level conditions. Services translate these into caller-facing errors.
var (
	ErrNotFound        = errors.New("record not found")
	ErrStaleState      = errors.New("task state changed concurrently")
	ErrFlagHeld        = errors.New("busy flag held")
	ErrVersionMismatch = errors.New("resource version mismatch")
)
