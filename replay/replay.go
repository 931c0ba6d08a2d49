/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package replay implements a sliding-window replay filter over a 64-bit
// transport counter, as used by a keypair's receive direction.
package replay

// blockBitsSize is the width in bits of one backtrack word.
const blockBitsSize = 64

// counterWindowSize is COUNTER_WINDOW = 2^13 - blockBitsSize, the number
// of counter values behind the current high-water mark that are still
// accepted.
const counterWindowSize = (1 << 13) - blockBitsSize

// ring is the number of backtrack words needed to cover the window.
const ring = (1 << 13) / blockBitsSize

// Filter rejects counters that are too old, already seen, or beyond the
// reject threshold. The zero value is a valid, empty filter.
type Filter struct {
	counter   uint64
	backtrack [ring]uint64
}

// Reset clears the filter back to its zero state, as happens whenever a
// fresh keypair begins a new receive direction.
func (f *Filter) Reset() {
	f.counter = 0
	for i := range f.backtrack {
		f.backtrack[i] = 0
	}
}

// ValidateCounter reports whether counter is acceptable for this filter
// under the limit reject ceiling, recording it as seen on success.
// It implements a sliding-window receive algorithm: reject counters at or
// beyond limit, reject counters that have fallen off the trailing edge of
// the window, reject counters already marked seen, and otherwise advance
// the high-water mark and stamp the bit.
func (f *Filter) ValidateCounter(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}

	indexBlock := counter / blockBitsSize

	if counter > f.counter {
		// Advance the window: zero out the words strictly between the
		// old and new block index (up to the full ring), then move the
		// high-water mark forward.
		current := f.counter / blockBitsSize
		diff := indexBlock - current
		if diff > ring {
			diff = ring
		}
		for i := uint64(1); i <= diff; i++ {
			f.backtrack[(current+i)%ring] = 0
		}
		f.counter = counter
	} else if f.counter-counter > counterWindowSize {
		// Too old: fallen off the trailing edge of the window.
		return false
	}

	indexBlock %= ring
	indexBit := counter % blockBitsSize
	old := f.backtrack[indexBlock]
	f.backtrack[indexBlock] |= 1 << indexBit
	return old&(1<<indexBit) == 0
}
