package ot

import "errors"

var (
	// ErrInvalidArgument reports a malformed step: a negative retain or an
	// unrecognized element in a raw step list.
	ErrInvalidArgument = errors.New("ot: invalid argument")

	// ErrLengthMismatch reports that an operation does not fit the document it
	// is applied to.
	ErrLengthMismatch = errors.New("ot: length mismatch")

	// ErrBaseLengthMismatch reports that two operations passed to Transform were
	// not built against the same document state.
	ErrBaseLengthMismatch = errors.New("ot: base length mismatch")

	// ErrTruncatedOperation reports that Transform ran out of steps on one side
	// while the other still had content.
	ErrTruncatedOperation = errors.New("ot: truncated operation")
)
