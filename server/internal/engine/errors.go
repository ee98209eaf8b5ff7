package engine

import "errors"

// Failure classes the REST layer maps onto distinct HTTP responses.
var (
	// ErrUnsafeURL means the safety gate rejected the byte source.
	ErrUnsafeURL = errors.New("invalid or unsafe download URL")

	// ErrTooLarge means the upstream content exceeds the configured
	// download ceiling; raised before the body is buffered.
	ErrTooLarge = errors.New("file exceeds the maximum download size")

	// ErrUpstream covers non-200 responses and network failures from
	// the byte source.
	ErrUpstream = errors.New("failed to fetch from upstream")
)
