/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/coregate/wireguard-core/tun"
)

// KeepaliveMessage is the empty transport payload used as a heartbeat
// and as handshake confirmation.
var KeepaliveMessage = [0]byte{}

// SendKeepalive transmits a zero-length transport message on peer's
// current keypair. If peer has no current keypair, no keepalive is
// queued; SendStagedPackets then only starts a handshake.
func (peer *Peer) SendKeepalive() {
	if len(peer.queue.staged) == 0 && peer.keypairs.Current() != nil {
		elem := peer.device.NewOutboundElement()
		elem.packet = elem.buffer[MessageTransportHeaderSize:MessageTransportHeaderSize]
		select {
		case peer.queue.staged <- &QueueOutboundElementsContainer{elems: []*QueueOutboundElement{elem}}:
			peer.device.log.Verbosef("%v - Sending keepalive packet", peer)
		default:
			peer.device.returnOutboundElement(elem)
		}
	}
	peer.SendStagedPackets()
}

// SendHandshakeInitiation builds and transmits a fresh initiation
// message for peer, honoring the RekeyTimeout rate limit in every case;
// isRetry only keeps the handshake attempt counter instead of resetting
// it. Concurrent callers (the retry timer and
// the receive path can both decide a peer wants one at once) are
// collapsed into a single in-flight initiation via singleflight.
func (peer *Peer) SendHandshakeInitiation(isRetry bool) error {
	if !isRetry {
		peer.timers.handshakeAttempts.Store(0)
	}

	_, err, _ := peer.handshakeInitiationGroup.Do("", func() (any, error) {
		peer.handshake.mutex.RLock()
		if time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout {
			peer.handshake.mutex.RUnlock()
			return nil, nil
		}
		peer.handshake.mutex.RUnlock()

		peer.device.log.Verbosef("%v - Sending handshake initiation", peer)

		msg, err := peer.device.CreateMessageInitiation(peer)
		if err != nil {
			peer.device.log.Errorf("%v - Failed to create initiation message: %v", peer, err)
			return nil, err
		}

		var buf [MessageInitiationSize]byte
		if err := msg.marshal(buf[:]); err != nil {
			return nil, err
		}
		peer.cookieGenerator.AddMacs(buf[:])

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketSent()

		sendErr := peer.SendBuffers([][]byte{buf[:]})
		peer.timersHandshakeInitiated()
		return nil, sendErr
	})
	return err
}

// SendHandshakeResponse builds and transmits the response to a
// consumed initiation, then immediately derives the resulting keypair.
func (peer *Peer) SendHandshakeResponse() error {
	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.mutex.Unlock()

	msg, err := peer.device.CreateMessageResponse(peer)
	if err != nil {
		peer.device.log.Errorf("%v - Failed to create response message: %v", peer, err)
		return err
	}

	var buf [MessageResponseSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	if err := peer.BeginSymmetricSession(); err != nil {
		peer.device.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
		return err
	}

	peer.timersSessionDerived()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	return peer.SendBuffers([][]byte{buf[:]})
}

// RoutineReadFromTUN is the outbound pipeline's entry point: it reads
// batches of plaintext packets from the TUN device, routes each to the
// peer authorized by the allowed-IPs table, and stages them.
func (device *Device) RoutineReadFromTUN() {
	defer device.state.stopping.Done()
	defer device.log.Verbosef("Routine: TUN reader - stopped")
	device.log.Verbosef("Routine: TUN reader - started")

	batchSize := device.BatchSize()
	bufs := make([][]byte, batchSize)
	elems := make([]*QueueOutboundElement, batchSize)
	sizes := make([]int, batchSize)
	for i := range elems {
		elems[i] = device.NewOutboundElement()
		bufs[i] = elems[i].buffer[MessageTransportHeaderSize : MessageTransportHeaderSize+MaxContentSize]
	}

	for {
		n, err := device.tun.device.Read(bufs, sizes, 0)
		if err != nil {
			if device.isClosed() {
				return
			}
			device.log.Errorf("Failed to read packet from TUN device: %v", err)
			return
		}

		touched := make(map[*Peer]struct{})
		for i := 0; i < n; i++ {
			size := sizes[i]
			if size == 0 || size > MaxContentSize {
				continue
			}

			elem := elems[i]
			elem.packet = elem.buffer[MessageTransportHeaderSize : MessageTransportHeaderSize+size]

			var dst netip.Addr
			switch elem.packet[0] >> 4 {
			case 4:
				if len(elem.packet) < 20 {
					continue
				}
				dst, _ = netip.AddrFromSlice(elem.packet[16:20])
			case 6:
				if len(elem.packet) < 40 {
					continue
				}
				dst, _ = netip.AddrFromSlice(elem.packet[24:40])
			default:
				continue
			}

			peer := device.allowedips.Lookup(dst.AsSlice())
			if peer == nil {
				device.log.Verbosef("Trouble finding endpoint for packet to %s", dst)
				continue
			}

			peer.StagePacket(elem)
			touched[peer] = struct{}{}
			elems[i] = device.NewOutboundElement()
			bufs[i] = elems[i].buffer[MessageTransportHeaderSize : MessageTransportHeaderSize+MaxContentSize]
		}

		for peer := range touched {
			peer.SendStagedPackets()
		}
	}
}

// RoutineTUNEventReader reacts to TUN device state changes: an MTU
// update is cached for the next packet read, and an up/down transition
// is used only to log, since the device's own Up/Down calls already
// drive BindUpdate and peer start/stop.
func (device *Device) RoutineTUNEventReader() {
	defer device.log.Verbosef("Routine: event worker - stopped")
	device.log.Verbosef("Routine: event worker - started")

	for event := range device.tun.device.Events() {
		if event&tun.EventMTUUpdate != 0 {
			mtu, err := device.tun.device.MTU()
			if err != nil {
				device.log.Errorf("Failed to load updated MTU of device: %v", err)
				continue
			}
			if mtu < 0 {
				mtu = 0
			}
			old := device.tun.mtu.Swap(int32(mtu))
			if int(old) != mtu {
				device.log.Verbosef("MTU updated: %v", mtu)
			}
		}
		if event&tun.EventUp != 0 {
			device.log.Verbosef("Interface up requested")
		}
		if event&tun.EventDown != 0 {
			device.log.Verbosef("Interface down requested")
		}
	}
}

// StagePacket appends elem to peer's staging queue, evicting the
// oldest staged packet if the queue is full: a bounded, lossy backlog
// per peer.
func (peer *Peer) StagePacket(elem *QueueOutboundElement) {
	for {
		select {
		case peer.queue.staged <- &QueueOutboundElementsContainer{elems: []*QueueOutboundElement{elem}}:
			return
		default:
		}
		select {
		case tooOld := <-peer.queue.staged:
			for _, e := range tooOld.elems {
				peer.device.returnOutboundElement(e)
			}
		default:
		}
	}
}

// SendStagedPackets drains peer's staging queue into the parallel
// encryption pipeline, or kicks off a handshake if it has no keypair.
func (peer *Peer) SendStagedPackets() {
	if peer.keypairs.Current() == nil {
		peer.SendHandshakeInitiation(false)
		return
	}

	for {
		select {
		case container, ok := <-peer.queue.staged:
			if !ok || container == nil {
				return
			}
			peer.flushStagedContainer(container)
		default:
			return
		}
	}
}

func (peer *Peer) flushStagedContainer(container *QueueOutboundElementsContainer) {
	keypair := peer.keypairs.Current()
	if keypair == nil {
		select {
		case peer.queue.staged <- container:
		default:
			for _, e := range container.elems {
				peer.device.returnOutboundElement(e)
			}
		}
		peer.SendHandshakeInitiation(false)
		return
	}

	for _, elem := range container.elems {
		elem.peer = peer
		elem.keypair = keypair
		nonce, ok := keypair.NextSendNonce()
		if !ok {
			// The keypair is exhausted (RejectAfterMessages reached): drop
			// whatever is left in this container and force a rekey rather
			// than keep sending under a counter that can no longer advance.
			for _, e := range container.elems {
				peer.device.returnOutboundElement(e)
			}
			peer.keypairs.mu.Lock()
			if peer.keypairs.current == keypair {
				peer.keypairs.current = nil
			}
			peer.keypairs.mu.Unlock()
			peer.SendHandshakeInitiation(false)
			return
		}
		elem.nonce = nonce
	}

	if keypair.shouldRefreshSending() {
		peer.SendHandshakeInitiation(false)
	}

	// Order is set by handing the container to the sequential sender
	// first; RoutineEncryption unlocks it once every element is sealed.
	container.Lock()
	select {
	case peer.queue.outbound <- container:
	default:
		container.Unlock()
		for _, e := range container.elems {
			peer.device.returnOutboundElement(e)
		}
		return
	}

	select {
	case peer.device.queue.encryption <- container:
	default:
		// The shared encryption pool is full: seal the container here
		// instead, so the sequential sender, which already holds it in
		// order, never transmits an unsealed packet.
		for _, elem := range container.elems {
			peer.device.encryptElement(elem)
		}
		container.Unlock()
	}
}

// FlushStagedPackets drops everything currently staged for peer without
// attempting to send it, returning the elements to the shared pool.
func (peer *Peer) FlushStagedPackets() {
	for {
		select {
		case container, ok := <-peer.queue.staged:
			if !ok || container == nil {
				return
			}
			for _, elem := range container.elems {
				peer.device.returnOutboundElement(elem)
			}
		default:
			return
		}
	}
}

func (device *Device) flushOutboundQueue(c chan *QueueOutboundElementsContainer) {
	for {
		select {
		case container := <-c:
			if container == nil {
				return
			}
			for _, elem := range container.elems {
				device.returnOutboundElement(elem)
			}
		default:
			return
		}
	}
}

// RoutineEncryption is one of runtime.NumCPU parallel crypto workers: it
// seals each element of a container under its assigned keypair, then
// unlocks the container so the peer's sequential sender can proceed.
// Containers arrive in the order SendStagedPackets produced them but
// complete encryption out of order across workers; the container's own
// Mutex (already held by the producer) restores that order on send.
func (device *Device) RoutineEncryption() {
	for container := range device.queue.encryption {
		if container == nil {
			continue
		}
		for _, elem := range container.elems {
			device.encryptElement(elem)
		}
		container.Unlock()
	}
}

func (device *Device) encryptElement(elem *QueueOutboundElement) {
	header := elem.buffer[:MessageTransportHeaderSize]
	binary.LittleEndian.PutUint32(header[0:4], MessageTransportType)
	binary.LittleEndian.PutUint32(header[4:8], elem.keypair.remoteIndex)
	binary.LittleEndian.PutUint64(header[8:16], elem.nonce)

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], elem.nonce)

	out := elem.keypair.sendCipher.Seal(header, nonce[:], elem.packet, nil)
	elem.packet = out[MessageTransportHeaderSize:]
}

// RoutineSequentialSender drains peer's outbound queue strictly in
// order, blocking on each container's Mutex until the parallel
// encryption stage has finished it, then transmits.
func (peer *Peer) RoutineSequentialSender() {
	device := peer.device
	defer peer.stopping.Done()
	defer device.log.Verbosef("%v - Routine: sequential sender - stopped", peer)
	device.log.Verbosef("%v - Routine: sequential sender - started", peer)

	for container := range peer.queue.outbound {
		if container == nil {
			return
		}
		container.Lock()
		bufs := make([][]byte, 0, len(container.elems))
		for _, elem := range container.elems {
			if len(elem.packet) != MessageKeepaliveSize-MessageTransportHeaderSize {
				peer.timersDataSent()
			}
			bufs = append(bufs, elem.buffer[:MessageTransportHeaderSize+len(elem.packet)])
		}
		err := peer.SendBuffers(bufs)
		for _, elem := range container.elems {
			device.returnOutboundElement(elem)
		}
		if err != nil {
			device.log.Errorf("%v - Failed to send data packets: %v", peer, err)
			continue
		}
		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketSent()
	}
}
