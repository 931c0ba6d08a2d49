/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/coregate/wireguard-core/conn"
)

// RoutineReceiveIncoming reads raw datagrams off recv and demultiplexes
// them by WireGuard message type: handshake/cookie traffic goes to the
// handshake queue, transport data to the parallel decryption pool.
func (device *Device) RoutineReceiveIncoming(maxBatchSize int, recv conn.ReceiveFunc) {
	defer device.net.stopping.Done()
	defer device.log.Verbosef("Routine: receive incoming - stopped")
	device.log.Verbosef("Routine: receive incoming - started")

	bufsArr := make([][]byte, maxBatchSize)
	sizes := make([]int, maxBatchSize)
	eps := make([]conn.Endpoint, maxBatchSize)
	elemsByPeer := make(map[*Peer]*QueueInboundElementsContainer, maxBatchSize)

	for i := range bufsArr {
		bufsArr[i] = make([]byte, MaxMessageSize)
	}

	for {
		n, err := recv(bufsArr, sizes, eps)
		if err != nil {
			if device.isClosed() {
				return
			}
			device.log.Errorf("Failed to receive packet: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			size := sizes[i]
			if size < 4 {
				continue
			}
			buf := bufsArr[i][:size]
			msgType := binary.LittleEndian.Uint32(buf[0:4])

			switch msgType {
			case MessageInitiationType, MessageResponseType, MessageCookieReplyType:
				select {
				case device.queue.handshake <- QueueHandshakeElement{packet: buf, endpoint: eps[i]}:
				default:
					device.log.Verbosef("Dropping handshake packet: queue full")
				}
			case MessageTransportType:
				device.handleTransportPacket(buf, eps[i], elemsByPeer)
			default:
				device.log.Verbosef("Received message with unknown type")
			}
		}

		for peer, container := range elemsByPeer {
			peer.queue.inbound <- container
			select {
			case device.queue.decryption <- container:
			default:
				container.Unlock()
			}
			delete(elemsByPeer, peer)
		}
	}
}

func (device *Device) handleTransportPacket(buf []byte, ep conn.Endpoint, elemsByPeer map[*Peer]*QueueInboundElementsContainer) {
	if len(buf) < MessageTransportHeaderSize {
		return
	}
	receiver := binary.LittleEndian.Uint32(buf[MessageTransportOffsetReceiver:MessageTransportOffsetCounter])

	keypair := device.indexTable.LookupKeypair(receiver)
	if keypair == nil {
		return
	}
	peer := device.peerForKeypair(keypair)
	if peer == nil {
		return
	}

	elem := device.NewInboundElement()
	elem.packet = elem.buffer[:len(buf)]
	copy(elem.packet, buf)
	elem.keypair = keypair
	elem.peer = peer
	elem.counter = binary.LittleEndian.Uint64(buf[MessageTransportOffsetCounter:MessageTransportOffsetContent])

	peer.SetEndpointFromPacket(ep)

	container, ok := elemsByPeer[peer]
	if !ok {
		container = &QueueInboundElementsContainer{}
		container.Lock()
		elemsByPeer[peer] = container
	}
	container.elems = append(container.elems, elem)
}

// peerForKeypair recovers the owning Peer from the index table entry,
// since a keypair alone doesn't carry a back-pointer.
func (device *Device) peerForKeypair(keypair *Keypair) *Peer {
	entry := device.indexTable.Lookup(keypair.localIndex)
	return entry.peer
}

// RoutineHandshake processes the single, already-demultiplexed stream
// of handshake and cookie-reply messages, one at a time: the Noise
// state machine is not safe for concurrent use on the same handshake.
func (device *Device) RoutineHandshake() {
	for elem := range device.queue.handshake {
		device.consumeHandshakePacket(elem)
	}
}

func (device *Device) consumeHandshakePacket(elem QueueHandshakeElement) {
	buf := elem.packet
	if len(buf) < 4 {
		return
	}
	msgType := binary.LittleEndian.Uint32(buf[0:4])

	switch msgType {
	case MessageInitiationType:
		if len(buf) != MessageInitiationSize {
			return
		}
		if !device.cookieChecker.CheckMAC1(buf) {
			return
		}
		if device.IsUnderLoad() {
			src := elem.endpoint.DstToBytes()
			if !device.cookieChecker.CheckMAC2(buf, src) {
				sender := binary.LittleEndian.Uint32(buf[4:8])
				reply, err := device.cookieChecker.CreateReply(buf, sender, src)
				if err != nil {
					return
				}
				var out [MessageCookieReplySize]byte
				reply.marshal(out[:])
				device.net.RLock()
				if device.net.bind != nil {
					device.net.bind.Send([][]byte{out[:]}, elem.endpoint)
				}
				device.net.RUnlock()
				return
			}
			// mac2 alone only proves the sender received a cookie reply at
			// some point; still rate limit per source so a cookie holder
			// can't flood handshake processing under load.
			if !device.rate.limiter.Allow(elem.endpoint.DstIP()) {
				return
			}
		}

		var msg MessageInitiation
		if err := msg.unmarshal(buf); err != nil {
			return
		}
		peer := device.ConsumeMessageInitiation(&msg)
		if peer == nil {
			device.log.Verbosef("Receiving MessageInitiation: unknown peer or replay")
			return
		}

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketReceived()
		peer.SetEndpointFromPacket(elem.endpoint)
		peer.lastHandshakeNano.Store(0)

		device.log.Verbosef("%v - Received handshake initiation", peer)
		peer.rxBytes.Add(uint64(len(buf)))

		peer.SendHandshakeResponse()

	case MessageResponseType:
		if len(buf) != MessageResponseSize {
			return
		}
		if !device.cookieChecker.CheckMAC1(buf) {
			return
		}
		if device.IsUnderLoad() {
			src := elem.endpoint.DstToBytes()
			if !device.cookieChecker.CheckMAC2(buf, src) {
				return
			}
		}

		var msg MessageResponse
		if err := msg.unmarshal(buf); err != nil {
			return
		}
		peer := device.ConsumeMessageResponse(&msg)
		if peer == nil {
			device.log.Verbosef("Receiving MessageResponse: unknown peer or bad state")
			return
		}

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketReceived()
		peer.rxBytes.Add(uint64(len(buf)))
		peer.SetEndpointFromPacket(elem.endpoint)

		if err := peer.BeginSymmetricSession(); err != nil {
			device.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
			return
		}

		peer.timersSessionDerived()
		peer.timersHandshakeComplete()
		peer.SendKeepalive()

	case MessageCookieReplyType:
		if len(buf) != MessageCookieReplySize {
			return
		}
		var msg MessageCookieReply
		if err := msg.unmarshal(buf); err != nil {
			return
		}
		entry := device.indexTable.Lookup(msg.Receiver)
		if entry.peer == nil {
			return
		}
		if entry.peer.cookieGenerator.ConsumeReply(&msg) {
			device.log.Verbosef("%v - Received cookie reply", entry.peer)
		}
	}
}

func (device *Device) flushInboundQueue(c chan *QueueInboundElementsContainer) {
	for {
		select {
		case container := <-c:
			if container == nil {
				return
			}
			for _, elem := range container.elems {
				device.returnInboundElement(elem)
			}
		default:
			return
		}
	}
}

// RoutineDecryption is one of runtime.NumCPU parallel crypto workers for
// the receive side: it opens each element's AEAD under its keypair, then
// unlocks the container. The replay window is checked afterwards, in
// order, by the peer's sequential receiver.
func (device *Device) RoutineDecryption() {
	for container := range device.queue.decryption {
		if container == nil {
			continue
		}
		for _, elem := range container.elems {
			device.decryptElement(elem)
		}
		container.Unlock()
	}
}

func (device *Device) decryptElement(elem *QueueInboundElement) {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], elem.counter)

	content := elem.packet[MessageTransportHeaderSize:]
	out, err := elem.keypair.receiveCipher.Open(content[:0], nonce[:], content, nil)
	if err != nil {
		elem.packet = nil
		return
	}
	elem.packet = out
}

// RoutineSequentialReceiver drains peer's inbound queue strictly in
// order, blocking on each container's Mutex until decryption finishes,
// validates the replay window and source address, then writes
// plaintext to the TUN device.
func (peer *Peer) RoutineSequentialReceiver() {
	device := peer.device
	defer peer.stopping.Done()
	defer device.log.Verbosef("%v - Routine: sequential receiver - stopped", peer)
	device.log.Verbosef("%v - Routine: sequential receiver - started", peer)

	for container := range peer.queue.inbound {
		if container == nil {
			return
		}
		container.Lock()
		for _, elem := range container.elems {
			peer.processDecryptedElement(elem)
		}
	}
}

func (peer *Peer) processDecryptedElement(elem *QueueInboundElement) {
	device := peer.device
	defer device.returnInboundElement(elem)

	if elem.packet == nil {
		device.log.Verbosef("%v - Failed to decrypt transport packet", peer)
		return
	}

	if !elem.keypair.replayFilter.ValidateCounter(elem.counter, RejectAfterMessages) {
		return
	}

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketReceived()
	peer.rxBytes.Add(uint64(len(elem.packet) + MessageTransportHeaderSize))

	if peer.ReceivedWithKeypair(elem.keypair) {
		peer.timersHandshakeComplete()
		peer.SendStagedPackets()
	}

	peer.keypairs.mu.Lock()
	if peer.keypairs.current == elem.keypair && elem.keypair.localIndex != 0 {
		peer.device.indexTable.SwapIndexForKeypair(elem.keypair.localIndex, elem.keypair)
	}
	peer.keypairs.mu.Unlock()

	peer.timersDataReceived()

	if elem.keypair.shouldRefreshReceiving() {
		peer.SendHandshakeInitiation(false)
	}

	if len(elem.packet) == 0 {
		return
	}

	var src netip.Addr
	switch elem.packet[0] >> 4 {
	case 4:
		if len(elem.packet) < 20 {
			return
		}
		src, _ = netip.AddrFromSlice(elem.packet[12:16])
	case 6:
		if len(elem.packet) < 40 {
			return
		}
		src, _ = netip.AddrFromSlice(elem.packet[8:24])
	default:
		device.log.Verbosef("Packet with invalid IP version from %v", peer)
		return
	}

	if allowedPeer := device.allowedips.Lookup(src.AsSlice()); allowedPeer != peer {
		device.log.Verbosef("IP packet with disallowed source address from %v", peer)
		return
	}

	if _, err := device.tun.device.Write([][]byte{elem.packet}, 0); err != nil {
		device.log.Errorf("Failed to write packet to TUN device: %v", err)
	}
}
