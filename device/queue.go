/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"sync"

	"golang.org/x/crypto/poly1305"

	"github.com/coregate/wireguard-core/conn"
)

const (
	DefaultMTU     = 1420
	MaxContentSize = 4096
	MaxMessageSize = MessageTransportHeaderSize + MaxContentSize + poly1305.TagSize

	QueueHandshakeSize   = 4096 // MAX_QUEUED_HANDSHAKES
	QueuePreparationSize = 1024 // MAX_QUEUED_PKT, both encryption and decryption
	QueueStagedSize      = 128  // MAX_STAGED_PKT, per peer
	QueueInboundSize     = QueuePreparationSize
	QueueOutboundSize    = QueuePreparationSize
)

// QueueOutboundElement is one plaintext-to-ciphertext packet in flight
// through the parallel encryption pool.
type QueueOutboundElement struct {
	buffer  *[MaxMessageSize]byte
	packet  []byte
	nonce   uint64
	keypair *Keypair
	peer    *Peer
}

func (device *Device) NewOutboundElement() *QueueOutboundElement {
	elem := device.pool.outboundElements.Get().(*QueueOutboundElement)
	elem.buffer = device.pool.messageBuffers.Get().(*[MaxMessageSize]byte)
	elem.nonce = 0
	elem.keypair = nil
	elem.peer = nil
	return elem
}

func (elem *QueueOutboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.peer = nil
}

// QueueOutboundElementsContainer wraps one or more QueueOutboundElement
// for dispatch to the parallel encryption pool as a unit.
//
// The embedded Mutex is the ordering primitive behind the
// send pipeline: the producer locks it before handing the container to
// the parallel encryption workers; RoutineSequentialSender locks it
// again (blocking until encryption finishes) before transmitting, so
// packets leave the wire in the order they arrived from the TUN device
// even though encryption itself completes out of order across workers.
type QueueOutboundElementsContainer struct {
	sync.Mutex
	elems []*QueueOutboundElement
}

// QueueInboundElement is one ciphertext-to-plaintext packet in flight
// through the parallel decryption pool.
type QueueInboundElement struct {
	buffer  *[MaxMessageSize]byte
	packet  []byte
	counter uint64
	keypair *Keypair
	peer    *Peer
}

func (device *Device) NewInboundElement() *QueueInboundElement {
	elem := device.pool.inboundElements.Get().(*QueueInboundElement)
	elem.buffer = device.pool.messageBuffers.Get().(*[MaxMessageSize]byte)
	elem.counter = 0
	elem.keypair = nil
	elem.peer = nil
	return elem
}

func (elem *QueueInboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.peer = nil
}

// QueueInboundElementsContainer is the receive-side analogue of
// QueueOutboundElementsContainer: one batch read from the UDP socket,
// ordering-locked the same way before being written to the TUN device.
type QueueInboundElementsContainer struct {
	sync.Mutex
	elems []*QueueInboundElement
}

// QueueHandshakeElement is one raw handshake/cookie-reply datagram
// waiting on the single-threaded-per-worker handshake queue.
type QueueHandshakeElement struct {
	packet   []byte
	buffer   *[MaxMessageSize]byte
	endpoint conn.Endpoint
}

func (device *Device) returnOutboundElement(elem *QueueOutboundElement) {
	buffer := elem.buffer
	elem.clearPointers()
	device.pool.outboundElements.Put(elem)
	device.pool.messageBuffers.Put(buffer)
}

func (device *Device) returnInboundElement(elem *QueueInboundElement) {
	buffer := elem.buffer
	elem.clearPointers()
	device.pool.inboundElements.Put(elem)
	device.pool.messageBuffers.Put(buffer)
}
