/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"math/rand"
	"sync"
	"time"
)

// Timer is a resettable, stoppable one-shot alarm wrapping time.Timer,
// so a peer's timer state machine can rearm a callback without leaking
// goroutines across rapid resets.
type Timer struct {
	*time.Timer
	modifyLock sync.Mutex
	isPending  bool
}

func (peer *Peer) NewTimer(expirationFunction func(*Peer)) *Timer {
	timer := &Timer{}
	timer.Timer = time.AfterFunc(time.Hour, func() {
		expirationFunction(peer)
	})
	timer.Timer.Stop()
	return timer
}

func (timer *Timer) Mod(d time.Duration) {
	timer.modifyLock.Lock()
	timer.isPending = true
	timer.Timer.Reset(d)
	timer.modifyLock.Unlock()
}

func (timer *Timer) Del() {
	timer.modifyLock.Lock()
	timer.isPending = false
	timer.Timer.Stop()
	timer.modifyLock.Unlock()
}

func (timer *Timer) DelSync() {
	timer.Del()
	timer.Timer.Stop()
}

func (timer *Timer) IsPending() bool {
	timer.modifyLock.Lock()
	defer timer.modifyLock.Unlock()
	return timer.isPending
}

func expiredRetransmitHandshake(peer *Peer) {
	if peer.timers.handshakeAttempts.Load() > MaxHandshakeAttempts {
		peer.device.log.Verbosef("%v - Handshake did not complete after %d attempts, giving up", peer, MaxHandshakeAttempts)

		if peer.timers.sendKeepalive.IsPending() {
			peer.timers.sendKeepalive.Del()
		}
		if !peer.timers.zeroKeyMaterial.IsPending() {
			peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
		}
	} else {
		peer.timers.handshakeAttempts.Add(1)
		peer.device.log.Verbosef("%v - Handshake did not complete after %d seconds, retrying (try %d)", peer, int(RekeyTimeout.Seconds()), peer.timers.handshakeAttempts.Load()+1)

		peer.handshake.mutex.Lock()
		peer.device.indexTable.Delete(peer.handshake.localIndex)
		peer.handshake.Clear()
		peer.handshake.mutex.Unlock()

		peer.SendHandshakeInitiation(true)
	}
}

func expiredSendKeepalive(peer *Peer) {
	peer.SendKeepalive()
	if peer.timers.needAnotherKeepalive.Load() {
		peer.timers.needAnotherKeepalive.Store(false)
		peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
	}
}

func expiredNewHandshake(peer *Peer) {
	peer.device.log.Verbosef("%v - Retrying handshake because we stopped hearing back after %d seconds", peer, int((KeepaliveTimeout + RekeyTimeout).Seconds()))
	peer.markEndpointSrcForClearing()
	peer.SendHandshakeInitiation(false)
}

func expiredZeroKeyMaterial(peer *Peer) {
	peer.device.log.Verbosef("%v - Removing all keys, since we haven't received a new one in %d seconds", peer, int((RejectAfterTime * 3).Seconds()))
	peer.ZeroAndFlushAll()
}

func expiredPersistentKeepalive(peer *Peer) {
	if peer.persistentKeepaliveInterval.Load() > 0 {
		peer.SendKeepalive()
	}
}

func (peer *Peer) timersInit() {
	peer.timers.retransmitHandshake = peer.NewTimer(expiredRetransmitHandshake)
	peer.timers.sendKeepalive = peer.NewTimer(expiredSendKeepalive)
	peer.timers.newHandshake = peer.NewTimer(expiredNewHandshake)
	peer.timers.zeroKeyMaterial = peer.NewTimer(expiredZeroKeyMaterial)
	peer.timers.persistentKeepalive = peer.NewTimer(expiredPersistentKeepalive)
	peer.timers.handshakeAttempts.Store(0)
	peer.timers.needAnotherKeepalive.Store(false)
	peer.timers.sentLastMinuteHandshake.Store(false)
}

func (peer *Peer) timersStart() {
	peer.timers.handshakeAttempts.Store(0)
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.timers.needAnotherKeepalive.Store(false)
}

func (peer *Peer) timersStop() {
	peer.timers.retransmitHandshake.DelSync()
	peer.timers.sendKeepalive.DelSync()
	peer.timers.newHandshake.DelSync()
	peer.timers.zeroKeyMaterial.DelSync()
	peer.timers.persistentKeepalive.DelSync()
}

// timersDataSent arms the new-handshake timer on the next outbound data
// packet, so silence from the peer past KeepaliveTimeout+RekeyTimeout
// triggers a fresh handshake.
func (peer *Peer) timersDataSent() {
	if !peer.timers.newHandshake.IsPending() {
		peer.timers.newHandshake.Mod(KeepaliveTimeout + RekeyTimeout + jitter())
	}
}

// timersDataReceived arms a keepalive so the peer sees traffic flowing
// back even if we have nothing of our own to send.
func (peer *Peer) timersDataReceived() {
	if !peer.timers.sendKeepalive.IsPending() {
		peer.timers.sendKeepalive.Mod(KeepaliveTimeout)
	} else {
		peer.timers.needAnotherKeepalive.Store(true)
	}
}

func (peer *Peer) timersAnyAuthenticatedPacketTraversal() {
	if interval := peer.persistentKeepaliveInterval.Load(); interval > 0 {
		peer.timers.persistentKeepalive.Mod(time.Duration(interval) * time.Second)
	}
}

// timersAnyAuthenticatedPacketSent cancels a pending keepalive: any
// authenticated packet we send already tells the peer we're alive.
func (peer *Peer) timersAnyAuthenticatedPacketSent() {
	if peer.timers.sendKeepalive.IsPending() {
		peer.timers.sendKeepalive.Del()
	}
}

// timersAnyAuthenticatedPacketReceived cancels the new-handshake timer:
// any authenticated packet from the peer means the session is still alive.
func (peer *Peer) timersAnyAuthenticatedPacketReceived() {
	if peer.timers.newHandshake.IsPending() {
		peer.timers.newHandshake.Del()
	}
}

// timersHandshakeInitiated arms the retransmit timer, so an initiation
// that gets no response is retried after RekeyTimeout plus jitter.
func (peer *Peer) timersHandshakeInitiated() {
	peer.timers.retransmitHandshake.Mod(RekeyTimeout + jitter())
}

// timersHandshakeComplete disarms the retransmit timer and records the
// completion time, confirming the handshake.
func (peer *Peer) timersHandshakeComplete() {
	peer.timers.retransmitHandshake.Del()
	peer.timers.handshakeAttempts.Store(0)
	peer.timers.sentLastMinuteHandshake.Store(false)
	peer.lastHandshakeNano.Store(time.Now().UnixNano())
}

// timersSessionDerived re-arms zero-key-material so a session that
// never gets used still gets wiped after RejectAfterTime*3.
func (peer *Peer) timersSessionDerived() {
	peer.timers.zeroKeyMaterial.Mod(RejectAfterTime * 3)
}

// timersWantInitiation is called when the device has a packet to send
// but no usable keypair; it starts a handshake if one isn't already
// running within RekeyTimeout.
func (peer *Peer) timersWantInitiation() {
	peer.SendHandshakeInitiation(false)
}

const MaxHandshakeAttempts = 18 // RekeyAttemptTime / RekeyTimeout

func jitter() time.Duration {
	return time.Duration(rand.Intn(RekeyTimeoutJitterMaxMs)) * time.Millisecond
}
