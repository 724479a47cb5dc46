// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package sequencenumber provides tools to handle 16 bit RTP sequence numbers.
package sequencenumber

const (
	maxSequenceNumberPlusOne = int64(1 << 16)
	breakpoint               = 32768 // half of max uint16
)

// isNewer returns true if the sequence number value is newer than previous,
// using the wrap around safe comparison from RFC 1982. A difference of exactly
// half the number space is a tie and is broken by the raw values.
func isNewer(value, previous uint16) bool {
	if value-previous == breakpoint {
		return value > previous
	}

	return value != previous && (value-previous) < breakpoint
}

// Unwrapper converts a stream of wrapping 16 bit sequence numbers into a
// monotonic 64 bit representation. The zero value is ready to use.
type Unwrapper struct {
	init          bool
	lastUnwrapped int64
}

// Unwrap returns the integer congruent to i modulo 2^16 that is closest to the
// previously returned value. The first call returns i unchanged.
func (u *Unwrapper) Unwrap(i uint16) int64 {
	if !u.init {
		u.init = true
		u.lastUnwrapped = int64(i)

		return u.lastUnwrapped
	}

	lastWrapped := uint16(u.lastUnwrapped) //nolint:gosec

	delta := int64(i - lastWrapped)
	if delta != 0 && !isNewer(i, lastWrapped) {
		delta -= maxSequenceNumberPlusOne
	}

	u.lastUnwrapped += delta

	return u.lastUnwrapped
}
