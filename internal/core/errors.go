// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, checked with errors.Is.
var (
	// Segment decoding errors
	ErrSegmentMalformed = errors.New("segscope: malformed segment")
	ErrNotTCP           = errors.New("segscope: not a tcp segment")
	ErrCaptureTimeout   = errors.New("segscope: no packet before the read timeout")

	// Reassembly errors
	ErrMessageClosed   = errors.New("segscope: message no longer accepts bytes")
	ErrMessageNotFound = errors.New("segscope: message not found")
	ErrStaleHandle     = errors.New("segscope: stale handle")
	ErrBufferFull      = errors.New("segscope: out-of-order buffer full")
	ErrRecursionLimit  = errors.New("segscope: decoder recursion limit reached")
	ErrMessageTooLarge = errors.New("segscope: message exceeds size limit")

	// Decoder errors
	ErrDecoderNotFound = errors.New("segscope: decoder not found")

	// Configuration errors
	ErrConfigInvalid = errors.New("segscope: invalid configuration")
)
