/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// IndexTableEntry is one slot of the local index hashtable: either a
// handshake in progress or an active keypair, mirroring the "is_keypair"
// tag on the same table.
type IndexTableEntry struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

// IndexTable is the local identity's index-by-32-bit-id hashtable,
// shared by in-progress handshakes and active keypairs.
type IndexTable struct {
	mu    sync.RWMutex
	table map[uint32]IndexTableEntry
}

func (t *IndexTable) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = make(map[uint32]IndexTableEntry)
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// NewIndexForHandshake draws a fresh, non-colliding local index and
// indexes handshake under it, retrying on a colliding random draw.
func (t *IndexTable) NewIndexForHandshake(peer *Peer, handshake *Handshake) (uint32, error) {
	for {
		index := randUint32()
		t.mu.Lock()
		if _, ok := t.table[index]; ok {
			t.mu.Unlock()
			continue
		}
		t.table[index] = IndexTableEntry{peer: peer, handshake: handshake}
		t.mu.Unlock()
		return index, nil
	}
}

// SwapIndexForKeypair converts a handshake-in-progress entry into an
// active-keypair entry without changing the table key, matching the
// begin_session step that transfers the remote's index-table entry.
func (t *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.table[index]
	if !ok {
		return
	}
	entry.keypair = keypair
	entry.handshake = nil
	t.table[index] = entry
}

func (t *IndexTable) Delete(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, index)
}

// Lookup returns the entry for index, or the zero IndexTableEntry if
// index is not present.
func (t *IndexTable) Lookup(index uint32) IndexTableEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[index]
}

// LookupHandshake returns the handshake indexed under index, if any.
func (t *IndexTable) LookupHandshake(index uint32) *Handshake {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[index].handshake
}

// LookupKeypair returns the keypair indexed under index, if any.
func (t *IndexTable) LookupKeypair(index uint32) *Keypair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[index].keypair
}
