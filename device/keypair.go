/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/cipher"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coregate/wireguard-core/replay"
)

// Keypair is one session's pair of ChaCha20-Poly1305 AEADs and the
// 32-bit index each side assigned to it (localIndex, remoteIndex).
type Keypair struct {
	sendCipher    cipher.AEAD
	receiveCipher cipher.AEAD
	isInitiator   bool
	created       time.Time
	localIndex    uint32
	remoteIndex   uint32

	sendNonce uint64      // atomic, incremented per outbound packet
	canSend   atomic.Bool // cleared once sendNonce reaches RejectAfterMessages

	replayFilter replay.Filter

	// confirmed becomes true once a handshake response (or any transport
	// packet, on the responder's next-keypair) is authenticated under
	// this keypair, per the receive-confirms-the-handshake rule.
	confirmed atomic.Bool
}

// Keypairs holds the at-most-three generations of Keypair a Peer may
// hold open at once (current/next/previous), and the rotation rules
// the handshake hands off to begin_session.
type Keypairs struct {
	mu sync.RWMutex

	current  *Keypair
	previous *Keypair
	next     *Keypair
}

func (kp *Keypairs) Current() *Keypair {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.current
}

// NextSendNonce atomically returns the next outbound counter for kp, the
// datapath's monotonic per-keypair nonce. It reports false once the
// counter has reached RejectAfterMessages: the keypair is exhausted and
// must not be used to send again, forcing a rekey.
func (kp *Keypair) NextSendNonce() (uint64, bool) {
	if !kp.canSend.Load() {
		return 0, false
	}
	n := atomic.AddUint64(&kp.sendNonce, 1) - 1
	if n < RejectAfterMessages {
		return n, true
	}
	kp.canSend.Store(false)
	return 0, false
}

// shouldRefreshSending reports whether kp's send counter or age calls for
// a rekey before it would otherwise be forced, per the handshake's
// should_refresh(sending) rule.
func (kp *Keypair) shouldRefreshSending() bool {
	if !kp.canSend.Load() {
		return false
	}
	counter := atomic.LoadUint64(&kp.sendNonce)
	if counter > RekeyAfterMessages {
		return true
	}
	return kp.isInitiator && time.Since(kp.created) > RekeyAfterTime
}

// shouldRefreshReceiving reports whether kp is old enough on the
// receiving side to warrant the initiator-side rekey the responder
// expects, per should_refresh(receiving).
func (kp *Keypair) shouldRefreshReceiving() bool {
	if !kp.canSend.Load() {
		return false
	}
	return kp.isInitiator && time.Since(kp.created) > RejectAfterTime-KeepaliveTimeout-RekeyTimeout
}

// Clear releases all three generations, e.g. on peer removal.
func (kp *Keypairs) Clear() {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	kp.current, kp.previous, kp.next = nil, nil, nil
}
