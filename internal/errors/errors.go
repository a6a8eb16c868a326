package errors

import "errors"

// Transport errors.
var (
	ErrNotConnected     = errors.New("not connected to relay")
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrAuthFailed       = errors.New("relay authentication failed")
)

// Transfer errors.
var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTransferTooLarge = errors.New("transfer exceeds size limit")
	ErrCancelled        = errors.New("Cancelled")
)
