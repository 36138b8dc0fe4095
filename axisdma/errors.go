package axisdma

import (
	"github.com/brickingsoft/errors"
)

var (
	ErrNotReady        = errors.Define("not ready")
	ErrClosed          = errors.Define("engine closed")
	ErrFraming         = errors.Define("descriptor framing error")
	ErrHandleNotFound  = errors.Define("handle not found in buffer pool")
	ErrBufferState     = errors.Define("buffer in unexpected ownership state")
	ErrBufferOverflow  = errors.Define("destination smaller than frame")
	ErrPayloadTooLarge = errors.Define("payload exceeds buffer size")
	ErrInvalidIndex    = errors.Define("buffer index out of range")
	ErrNotHeld         = errors.Define("buffer not held by caller")
	ErrInvalidMapping  = errors.Define("invalid buffer mapping")
	ErrUnknownCommand  = errors.Define("unknown command")
	ErrNoBuffers       = errors.Define("direction has no buffers")
	ErrInvalidConfig   = errors.Define("invalid configuration")
)

// IsNotReady reports whether a non-blocking call found nothing to do.
func IsNotReady(err error) bool { return errors.Is(err, ErrNotReady) }

// IsClosed reports whether err results from the engine being closed.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }

// IsFraming reports whether err is a completion record framing error.
func IsFraming(err error) bool { return errors.Is(err, ErrFraming) }

// IsMisuse reports whether err is a zero-copy protocol misuse by the caller.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrInvalidIndex) || errors.Is(err, ErrNotHeld)
}

const (
	errMetaOpKey     = "op"
	errMetaOpRead    = "read"
	errMetaOpWrite   = "write"
	errMetaOpPost    = "post"
	errMetaOpMap     = "map"
	errMetaWordKey   = "word"
	errMetaHandleKey = "handle"
	errMetaIndexKey  = "index"
	errMetaSizeKey   = "size"
	errMetaStateKey  = "state"
	errMetaStatusKey = "status"
)
