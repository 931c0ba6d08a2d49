/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coregate/wireguard-core/conn"
)

// Peer is one remote endpoint this device has a configured relationship
// with: its own handshake transcript, keypair rotation, allowed-IPs
// membership, timers, and send/receive queues.
type Peer struct {
	isRunning atomic.Bool
	keypairs  Keypairs
	handshake Handshake
	device    *Device
	stopping  sync.WaitGroup

	txBytes           atomic.Uint64
	rxBytes           atomic.Uint64
	lastHandshakeNano atomic.Int64

	endpoint struct {
		sync.Mutex
		val            conn.Endpoint
		clearSrcOnTx   bool
		disableRoaming bool
	}

	timers struct {
		retransmitHandshake     *Timer
		sendKeepalive           *Timer
		newHandshake            *Timer
		zeroKeyMaterial         *Timer
		persistentKeepalive     *Timer
		handshakeAttempts       atomic.Uint32
		needAnotherKeepalive    atomic.Bool
		sentLastMinuteHandshake atomic.Bool
	}

	state struct {
		sync.Mutex
	}

	queue struct {
		staged   chan *QueueOutboundElementsContainer
		outbound chan *QueueOutboundElementsContainer
		inbound  chan *QueueInboundElementsContainer
	}

	cookieGenerator             CookieGenerator
	trieEntries                 list.List
	persistentKeepaliveInterval atomic.Uint32

	handshakeInitiationGroup singleflight.Group
}

// NewPeer registers a new peer for pk, precomputing its static-static
// DH with the device's current identity.
func (device *Device) NewPeer(pk NoisePublicKey) (*Peer, error) {
	if device.isClosed() {
		return nil, errors.New("device closed")
	}

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	device.peers.Lock()
	defer device.peers.Unlock()

	if len(device.peers.keyMap) >= MaxPeers {
		return nil, errors.New("too many peers")
	}

	peer := new(Peer)
	peer.cookieGenerator.Init(pk)
	peer.device = device

	peer.queue.outbound = make(chan *QueueOutboundElementsContainer, QueueOutboundSize)
	peer.queue.inbound = make(chan *QueueInboundElementsContainer, QueueInboundSize)
	peer.queue.staged = make(chan *QueueOutboundElementsContainer, QueueStagedSize)

	if _, ok := device.peers.keyMap[pk]; ok {
		return nil, errors.New("adding existing peer")
	}

	handshake := &peer.handshake
	handshake.mutex.Lock()
	handshake.precomputedStaticStatic, _ = device.staticIdentity.privateKey.sharedSecret(pk)
	handshake.remoteStatic = pk
	handshake.mutex.Unlock()

	peer.endpoint.Lock()
	peer.endpoint.val = nil
	peer.endpoint.disableRoaming = false
	peer.endpoint.clearSrcOnTx = false
	peer.endpoint.Unlock()

	peer.timersInit()

	device.peers.keyMap[pk] = peer

	return peer, nil
}

// SendBuffers transmits buffers to peer's current endpoint, counting
// the bytes sent on success.
func (peer *Peer) SendBuffers(buffers [][]byte) error {
	peer.device.net.RLock()
	defer peer.device.net.RUnlock()

	if peer.device.isClosed() {
		return nil
	}

	peer.endpoint.Lock()
	endpoint := peer.endpoint.val
	if endpoint == nil {
		peer.endpoint.Unlock()
		return errors.New("no known endpoint for peer")
	}
	if peer.endpoint.clearSrcOnTx {
		endpoint.ClearSrc()
		peer.endpoint.clearSrcOnTx = false
	}
	peer.endpoint.Unlock()

	err := peer.device.net.bind.Send(buffers, endpoint)
	if err == nil {
		var totalLen uint64
		for _, b := range buffers {
			totalLen += uint64(len(b))
		}
		peer.txBytes.Add(totalLen)
	}
	return err
}

// String renders an abbreviated, allocation-light "peer(ABCD…WXYZ)" tag
// for log lines, built directly from the raw public-key bytes.
func (peer *Peer) String() string {
	src := peer.handshake.remoteStatic

	b64 := func(input byte) byte {
		return input + 'A' + byte(((25-int(input))>>8)&6) - byte(((51-int(input))>>8)&75) - byte(((61-int(input))>>8)&15) + byte(((62-int(input))>>8)&3)
	}

	b := []byte("peer(____…____)")
	const first = len("peer(")
	const second = len("peer(____…")

	b[first+0] = b64((src[0] >> 2) & 63)
	b[first+1] = b64(((src[0] << 4) | (src[1] >> 4)) & 63)
	b[first+2] = b64(((src[1] << 2) | (src[2] >> 6)) & 63)
	b[first+3] = b64(src[2] & 63)

	b[second+0] = b64(src[29] & 63)
	b[second+1] = b64((src[30] >> 2) & 63)
	b[second+2] = b64(((src[30] << 4) | (src[31] >> 4)) & 63)
	b[second+3] = b64((src[31] << 2) & 63)

	return string(b)
}

// Start brings up peer's sequential sender/receiver goroutines and
// resets its handshake clock so the next tick initiates immediately.
func (peer *Peer) Start() {
	if peer.device.isClosed() {
		return
	}

	peer.state.Lock()
	defer peer.state.Unlock()

	if peer.isRunning.Load() {
		return
	}

	device := peer.device
	device.log.Verbosef("%v - Starting", peer)

	peer.stopping.Wait()
	peer.stopping.Add(2)

	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = time.Now().Add(-(RekeyTimeout + time.Second))
	peer.handshake.mutex.Unlock()

	peer.timersStart()

	device.flushInboundQueue(peer.queue.inbound)
	device.flushOutboundQueue(peer.queue.outbound)

	go peer.RoutineSequentialSender()
	go peer.RoutineSequentialReceiver()

	peer.isRunning.Store(true)
}

// ZeroAndFlushAll clears peer's keypairs and handshake transcript and
// drops anything still staged for it.
func (peer *Peer) ZeroAndFlushAll() {
	device := peer.device

	keypairs := &peer.keypairs
	keypairs.mu.Lock()
	device.deleteKeypair(keypairs.previous)
	device.deleteKeypair(keypairs.current)
	device.deleteKeypair(keypairs.next)
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next = nil
	keypairs.mu.Unlock()

	handshake := &peer.handshake
	handshake.mutex.Lock()
	device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.mutex.Unlock()

	peer.FlushStagedPackets()
}

// ExpireCurrentKeypairs discards the in-progress handshake and poisons
// the send-nonce of any live keypair so it can no longer transmit,
// forcing an immediate rekey.
func (peer *Peer) ExpireCurrentKeypairs() {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	peer.device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	peer.handshake.lastSentHandshake = time.Now().Add(-(RekeyTimeout + time.Second))
	handshake.mutex.Unlock()

	keypairs := &peer.keypairs
	keypairs.mu.Lock()
	if keypairs.current != nil {
		atomic.StoreUint64(&keypairs.current.sendNonce, RejectAfterMessages)
		keypairs.current.canSend.Store(false)
	}
	if keypairs.next != nil {
		atomic.StoreUint64(&keypairs.next.sendNonce, RejectAfterMessages)
		keypairs.next.canSend.Store(false)
	}
	keypairs.mu.Unlock()
}

// Stop halts peer's goroutines, waits for them to exit, and wipes its
// key material.
func (peer *Peer) Stop() {
	peer.state.Lock()
	defer peer.state.Unlock()

	if !peer.isRunning.Swap(false) {
		return
	}

	peer.device.log.Verbosef("%v - Stopping", peer)

	peer.timersStop()

	peer.queue.inbound <- nil
	peer.queue.outbound <- nil

	peer.stopping.Wait()

	peer.ZeroAndFlushAll()
}

// SetEndpointFromPacket implements roaming: the endpoint a data packet
// actually arrived from becomes the peer's new send target, unless
// roaming has been disabled for it.
func (peer *Peer) SetEndpointFromPacket(endpoint conn.Endpoint) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()

	if peer.endpoint.disableRoaming {
		return
	}

	peer.endpoint.clearSrcOnTx = false
	peer.endpoint.val = endpoint
}

func (peer *Peer) markEndpointSrcForClearing() {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()

	if peer.endpoint.val == nil {
		return
	}
	peer.endpoint.clearSrcOnTx = true
}
