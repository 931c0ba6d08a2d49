/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package tai64n implements the TAI64N timestamp format used as the
// handshake-initiation replay nonce.
package tai64n

import (
	"encoding/binary"
	"time"
)

const (
	// Base is the TAI64 epoch offset added to the Unix timestamp.
	Base = int64(4611686018427387914)

	// TimestampSize is the wire size of a TAI64N timestamp: 8 bytes of
	// seconds since the TAI64 epoch, 4 bytes of nanoseconds.
	TimestampSize = 12
)

// Timestamp is a 12-byte big-endian TAI64N value: seconds (8 bytes) then
// nanoseconds (4 bytes).
type Timestamp [TimestampSize]byte

// rejectIntervalMaskBits is the granularity nanoseconds are masked down
// to, so that repeated calls within the same window produce the same
// timestamp. This bounds the timing side-channel a fine-grained clock
// would expose in the handshake-initiation ciphertext. Matches the
// handshake-initiation rate limit of 1/50s: 1<<24ns is the largest
// power of two not exceeding that interval.
const rejectIntervalMaskBits = 16777216 // 1 << 24, giving ~16.78ms granularity

// Now returns the current time as a TAI64N timestamp with the nanosecond
// field masked down to rejectIntervalMaskBits granularity.
func Now() Timestamp {
	return stamp(time.Now())
}

func stamp(t time.Time) Timestamp {
	var tai64n Timestamp
	secs := Base + t.Unix()
	nano := t.UnixNano() % int64(time.Second)
	nano -= nano % rejectIntervalMaskBits
	binary.BigEndian.PutUint64(tai64n[:8], uint64(secs))
	binary.BigEndian.PutUint32(tai64n[8:12], uint32(nano))
	return tai64n
}

// After reports whether t occurs strictly after other, used to detect
// handshake-initiation replay (a non-increasing peer timestamp is
// rejected).
func (t Timestamp) After(other Timestamp) bool {
	return bytesGreater(t[:], other[:])
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
