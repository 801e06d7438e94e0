package network

import "errors"

// Framing errors
var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum buffered size")
	ErrEmptyTerminator = errors.New("terminator must not be empty")
)

// Client errors
var (
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrNotConnected     = errors.New("client is not connected")
)

// Connection errors
var (
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already exists")
)
