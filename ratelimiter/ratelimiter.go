/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package ratelimiter implements the per-endpoint handshake-initiation
// token bucket that protects the cookie subsystem under load.
//
// Unlike the simplified map-keyed limiter shipped by current
// golang.zx2c4.com/wireguard, this one follows the sharded, SipHash-keyed
// hash table of the original kernel implementation: a fixed 8192-bucket
// table, a capacity ceiling, and periodic garbage collection. IPv4 and
// IPv6 sources share that one table and its ceiling; there is no
// separate table per address family (entries record their key length,
// so an IPv4 key never matches an IPv6 one).
package ratelimiter

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	siphash "github.com/dgryski/go-sip13"
)

const (
	// tableSize is RATELIMIT_SIZE: the fixed bucket count of the table.
	tableSize = 1 << 13
	tableMask = tableSize - 1

	// sizeMax is RATELIMIT_SIZE_MAX: the global capacity ceiling.
	sizeMax = tableSize * 8

	initiationsPerSecond = 20
	initiationsBurstable = 5

	// initiationCost is the nanosecond price of a single initiation,
	// INITIATION_COST = 1e9 / INITIATIONS_PER_SECOND.
	initiationCost = int64(time.Second) / initiationsPerSecond

	// tokenMax is the bucket capacity, TOKEN_MAX.
	tokenMax = initiationCost * initiationsBurstable

	// elementTimeout is ELEMENT_TIMEOUT: idle entries are collected
	// after this long.
	elementTimeout = time.Second
)

// key is the portion of an address the limiter buckets on: all 4 bytes of
// an IPv4 address, or the top 8 bytes (/64) of an IPv6 address.
type key [8]byte

func keyFor(addr netip.Addr) (key, int) {
	var k key
	if addr.Is4() {
		b := addr.As4()
		copy(k[:], b[:])
		return k, 4
	}
	b := addr.As16()
	copy(k[:], b[:8])
	return k, 8
}

type entry struct {
	key      key
	keyLen   int
	lastTime time.Time
	tokens   int64
	next     *entry
}

// Ratelimiter holds one SipHash-keyed bucket table. The zero value must be
// initialized with Init before use.
type Ratelimiter struct {
	mu      sync.Mutex
	secret0 uint64
	secret1 uint64
	table   [tableSize]*entry
	count   int

	timeNow func() time.Time
	stopGC  chan struct{}
	gcDone  chan struct{}
}

// Init (re)initializes the limiter with a fresh random bucket secret,
// discarding any existing entries and stopping any prior GC loop.
func (r *Ratelimiter) Init() {
	r.mu.Lock()
	if r.stopGC != nil {
		close(r.stopGC)
	}
	if r.gcDone != nil {
		r.mu.Unlock()
		<-r.gcDone
		r.mu.Lock()
	}

	if r.timeNow == nil {
		r.timeNow = time.Now
	}

	var seed [16]byte
	_, _ = rand.Read(seed[:])
	r.secret0 = binary.LittleEndian.Uint64(seed[0:8])
	r.secret1 = binary.LittleEndian.Uint64(seed[8:16])
	for i := range r.table {
		r.table[i] = nil
	}
	r.count = 0
	r.stopGC = make(chan struct{})
	r.gcDone = make(chan struct{})
	stop, done := r.stopGC, r.gcDone
	r.mu.Unlock()

	go r.gcLoop(stop, done)
}

// Close stops the background garbage collector. The limiter may not be
// reused afterward except via another call to Init.
func (r *Ratelimiter) Close() {
	r.mu.Lock()
	if r.stopGC != nil {
		close(r.stopGC)
		r.stopGC = nil
	}
	r.mu.Unlock()
}

func (r *Ratelimiter) gcLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(elementTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.gc(false)
		}
	}
}

func (r *Ratelimiter) gc(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return
	}

	expiry := r.timeNow().Add(-elementTimeout)
	for i := range r.table {
		var prev *entry
		for e := r.table[i]; e != nil; {
			if force || e.lastTime.Before(expiry) {
				next := e.next
				if prev == nil {
					r.table[i] = next
				} else {
					prev.next = next
				}
				r.count--
				e = next
				continue
			}
			prev = e
			e = e.next
		}
	}
}

// bucketHash computes the SipHash-1-3 bucket index for the given key
// bytes, matching the original wg_cookie.c siphash13 helper.
func (r *Ratelimiter) bucketHash(k key, n int) uint64 {
	return siphash.Sum64(r.secret0, r.secret1, k[:n]) & tableMask
}

// Allow applies the token-bucket test for addr, creating a fresh entry on
// first sight (subject to the global capacity ceiling) and refilling
// existing entries from elapsed wall-clock time. It reports whether the
// caller may proceed with handshake processing for this source.
func (r *Ratelimiter) Allow(addr netip.Addr) bool {
	k, n := keyFor(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.bucketHash(k, n)
	now := r.timeNow()

	for e := r.table[bucket]; e != nil; e = e.next {
		if e.keyLen != n || e.key != k {
			continue
		}
		elapsed := now.Sub(e.lastTime)
		e.lastTime = now
		tokens := e.tokens + elapsed.Nanoseconds()
		if tokens > tokenMax {
			tokens = tokenMax
		}
		if tokens >= initiationCost {
			e.tokens = tokens - initiationCost
			return true
		}
		e.tokens = tokens
		return false
	}

	if r.count >= sizeMax {
		return false
	}

	r.table[bucket] = &entry{
		key:      k,
		keyLen:   n,
		lastTime: now,
		tokens:   tokenMax - initiationCost,
		next:     r.table[bucket],
	}
	r.count++
	return true
}
