/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package device implements the WireGuard datapath core: the
// Noise_IKpsk2 handshake state machine, per-peer send/receive
// pipelines, allowed-IPs routing, cookie/MAC validation, and the
// per-peer timer state machine, independent of any particular OS
// network stack or TUN driver.
package device

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coregate/wireguard-core/conn"
	"github.com/coregate/wireguard-core/ratelimiter"
	"github.com/coregate/wireguard-core/tun"
)

const MaxPeers = 1 << 20

// Device is a complete WireGuard instance: network bind, TUN device,
// peer set, and the parallel crypto worker pool that connects them.
type Device struct {
	state struct {
		state    atomic.Uint32 // deviceState, advisory outside the lock below
		stopping sync.WaitGroup
		sync.Mutex
	}

	net struct {
		stopping sync.WaitGroup
		sync.RWMutex
		bind   conn.Bind
		port   uint16
		fwmark uint32
	}

	staticIdentity struct {
		sync.RWMutex
		privateKey NoisePrivateKey
		publicKey  NoisePublicKey
	}

	peers struct {
		sync.RWMutex
		keyMap map[NoisePublicKey]*Peer
	}

	rate struct {
		underLoadUntil atomic.Int64
		limiter        ratelimiter.Ratelimiter
	}

	allowedips    AllowedIPs
	indexTable    IndexTable
	cookieChecker CookieChecker

	pool struct {
		messageBuffers   *WaitPool
		inboundElements  *WaitPool
		outboundElements *WaitPool
	}

	queue struct {
		encryption chan *QueueOutboundElementsContainer
		decryption chan *QueueInboundElementsContainer
		handshake  chan QueueHandshakeElement
	}

	workers    *errgroup.Group
	workersCtx context.Context
	cancelWork context.CancelFunc

	tun struct {
		device tun.Device
		mtu    atomic.Int32
	}

	ipcMutex sync.RWMutex
	closed   chan struct{}
	log      *Logger
}

type deviceState uint32

const (
	deviceStateDown deviceState = iota
	deviceStateUp
	deviceStateClosed
)

func (s deviceState) String() string {
	switch s {
	case deviceStateDown:
		return "down"
	case deviceStateUp:
		return "up"
	case deviceStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (device *Device) deviceState() deviceState {
	return deviceState(device.state.state.Load())
}

func (device *Device) isClosed() bool {
	return device.deviceState() == deviceStateClosed
}

func (device *Device) isUp() bool {
	return device.deviceState() == deviceStateUp
}

func removePeerLocked(device *Device, peer *Peer, key NoisePublicKey) {
	device.allowedips.RemoveByPeer(peer)
	peer.Stop()
	delete(device.peers.keyMap, key)
}

func (device *Device) changeState(want deviceState) (err error) {
	device.state.Lock()
	defer device.state.Unlock()

	old := device.deviceState()
	if old == deviceStateClosed {
		device.log.Verbosef("Interface closed, ignored requested state %s", want)
		return nil
	}

	switch want {
	case old:
		return nil
	case deviceStateUp:
		device.state.state.Store(uint32(deviceStateUp))
		err = device.upLocked()
		if err == nil {
			break
		}
		fallthrough
	case deviceStateDown:
		device.state.state.Store(uint32(deviceStateDown))
		errDown := device.downLocked()
		if err == nil {
			err = errDown
		}
	}

	device.log.Verbosef("Interface state was %s, requested %s, now %s", old, want, device.deviceState())
	return
}

func (device *Device) upLocked() error {
	if err := device.BindUpdate(); err != nil {
		device.log.Errorf("Unable to update bind: %v", err)
		return err
	}

	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.Start()
		if peer.persistentKeepaliveInterval.Load() > 0 {
			peer.SendKeepalive()
		}
	}
	device.peers.RUnlock()
	return nil
}

func (device *Device) downLocked() error {
	err := device.BindClose()
	if err != nil {
		device.log.Errorf("Bind close failed: %v", err)
	}

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.Stop()
	}
	device.peers.RUnlock()
	return err
}

func (device *Device) Up() error {
	return device.changeState(deviceStateUp)
}

func (device *Device) Down() error {
	return device.changeState(deviceStateDown)
}

// UnderLoadAfterTime is how long IsUnderLoad keeps reporting true after
// the handshake queue last crossed its high-water mark.
const UnderLoadAfterTime = time.Second

// IsUnderLoad reports whether the handshake queue is backed up enough
// that incoming initiations should be cookie-challenged rather than
// processed directly rather than costly handshake processing.
func (device *Device) IsUnderLoad() bool {
	now := time.Now()
	underLoad := len(device.queue.handshake) >= QueueHandshakeSize/8
	if underLoad {
		device.rate.underLoadUntil.Store(now.Add(UnderLoadAfterTime).UnixNano())
		return true
	}
	return device.rate.underLoadUntil.Load() > now.UnixNano()
}

// SetPrivateKey rotates the device's static identity, tearing down any
// peer whose public key now collides with it (self-connection) and
// forcing a rekey on every surviving peer.
func (device *Device) SetPrivateKey(sk NoisePrivateKey) error {
	device.staticIdentity.Lock()
	defer device.staticIdentity.Unlock()

	if sk.Equals(device.staticIdentity.privateKey) {
		return nil
	}

	device.peers.Lock()
	defer device.peers.Unlock()

	lockedPeers := make([]*Peer, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		peer.handshake.mutex.RLock()
		lockedPeers = append(lockedPeers, peer)
	}

	publicKey := sk.publicKey()
	for key, peer := range device.peers.keyMap {
		if peer.handshake.remoteStatic.Equals(publicKey) {
			peer.handshake.mutex.RUnlock()
			removePeerLocked(device, peer, key)
			peer.handshake.mutex.RLock()
		}
	}

	device.staticIdentity.privateKey = sk
	device.staticIdentity.publicKey = publicKey
	device.cookieChecker.Init(publicKey)

	expiredPeers := make([]*Peer, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		handshake := &peer.handshake
		handshake.precomputedStaticStatic, _ = device.staticIdentity.privateKey.sharedSecret(handshake.remoteStatic)
		expiredPeers = append(expiredPeers, peer)
	}

	for _, peer := range lockedPeers {
		peer.handshake.mutex.RUnlock()
	}
	for _, peer := range expiredPeers {
		peer.ExpireCurrentKeypairs()
	}

	return nil
}

// NewDevice wires tunDevice and bind into a running crypto core: it
// starts the parallel encryption/decryption worker pools (one worker of
// each per CPU, runtime.NumCPU) and a single handshake worker, all in one
// errgroup per device, before returning, and begins reading from
// tunDevice immediately.
func NewDevice(tunDevice tun.Device, bind conn.Bind, logger *Logger) *Device {
	device := new(Device)
	device.state.state.Store(uint32(deviceStateDown))
	device.closed = make(chan struct{})
	device.log = logger

	device.net.bind = bind
	device.tun.device = tunDevice

	mtu, err := tunDevice.MTU()
	if err != nil {
		device.log.Errorf("Trouble determining MTU, assuming default: %v", err)
		mtu = DefaultMTU
	}
	device.tun.mtu.Store(int32(mtu))

	device.peers.keyMap = make(map[NoisePublicKey]*Peer)
	device.rate.limiter.Init()
	device.indexTable.Init()

	device.PopulatePools()

	device.queue.handshake = make(chan QueueHandshakeElement, QueueHandshakeSize)
	device.queue.encryption = make(chan *QueueOutboundElementsContainer, QueuePreparationSize)
	device.queue.decryption = make(chan *QueueInboundElementsContainer, QueuePreparationSize)

	device.workersCtx, device.cancelWork = context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(context.Background())
	device.workers = group

	cpus := runtime.NumCPU()
	for i := 0; i < cpus; i++ {
		group.Go(func() error { device.RoutineEncryption(); return nil })
		group.Go(func() error { device.RoutineDecryption(); return nil })
	}
	group.Go(func() error { device.RoutineHandshake(); return nil })

	device.state.stopping.Add(1)
	group.Go(func() error { device.RoutineReadFromTUN(); return nil })
	group.Go(func() error { device.RoutineTUNEventReader(); return nil })

	return device
}

// BatchSize is the larger of the bind's and TUN device's preferred
// vectored I/O batch size, used to size every per-call slice the
// datapath allocates.
func (device *Device) BatchSize() int {
	size := device.net.bind.BatchSize()
	dSize := device.tun.device.BatchSize()
	if size < dSize {
		size = dSize
	}
	return size
}

func (device *Device) LookupPeer(pk NoisePublicKey) *Peer {
	device.peers.RLock()
	defer device.peers.RUnlock()
	return device.peers.keyMap[pk]
}

func (device *Device) RemovePeer(key NoisePublicKey) {
	device.peers.Lock()
	defer device.peers.Unlock()
	if peer, ok := device.peers.keyMap[key]; ok {
		removePeerLocked(device, peer, key)
	}
}

func (device *Device) RemoveAllPeers() {
	device.peers.Lock()
	defer device.peers.Unlock()
	for key, peer := range device.peers.keyMap {
		removePeerLocked(device, peer, key)
	}
	device.peers.keyMap = make(map[NoisePublicKey]*Peer)
}

// Close permanently shuts the device down: it is not safe to call Up
// afterward.
func (device *Device) Close() {
	device.state.Lock()
	defer device.state.Unlock()
	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	if device.isClosed() {
		return
	}

	device.state.state.Store(uint32(deviceStateClosed))
	device.log.Verbosef("Device closing")

	device.tun.device.Close()
	device.downLocked()
	device.RemoveAllPeers()

	device.cancelWork()
	close(device.queue.encryption)
	close(device.queue.decryption)
	close(device.queue.handshake)
	_ = device.workers.Wait()

	device.state.stopping.Wait()
	device.rate.limiter.Close()

	device.log.Verbosef("Device closed")
	close(device.closed)
}

func (device *Device) Wait() chan struct{} {
	return device.closed
}

// SendKeepalivesToPeersWithCurrentKeypair pings every peer that holds a
// still-valid current keypair, refreshing NAT mappings.
func (device *Device) SendKeepalivesToPeersWithCurrentKeypair() {
	if !device.isUp() {
		return
	}

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.keypairs.mu.RLock()
		sendKeepalive := peer.keypairs.current != nil && !peer.keypairs.current.created.Add(RejectAfterTime).Before(time.Now())
		peer.keypairs.mu.RUnlock()
		if sendKeepalive {
			peer.SendKeepalive()
		}
	}
	device.peers.RUnlock()
}

func closeBindLocked(device *Device) error {
	var err error
	netc := &device.net
	if netc.bind != nil {
		err = netc.bind.Close()
	}
	netc.stopping.Wait()
	return err
}

func (device *Device) Bind() conn.Bind {
	device.net.Lock()
	defer device.net.Unlock()
	return device.net.bind
}

func (device *Device) BindSetMark(mark uint32) error {
	device.net.Lock()
	defer device.net.Unlock()

	if device.net.fwmark == mark {
		return nil
	}

	device.net.fwmark = mark
	if device.isUp() && device.net.bind != nil {
		if err := device.net.bind.SetMark(mark); err != nil {
			return err
		}
	}

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.markEndpointSrcForClearing()
	}
	device.peers.RUnlock()

	return nil
}

// BindUpdate tears down the current socket (if any) and, if the device
// is up, opens a fresh one and launches one RoutineReceiveIncoming per
// returned ReceiveFunc.
func (device *Device) BindUpdate() error {
	device.net.Lock()
	defer device.net.Unlock()

	if err := closeBindLocked(device); err != nil {
		return err
	}

	if !device.isUp() {
		return nil
	}

	var err error
	var recvFns []conn.ReceiveFunc
	netc := &device.net

	recvFns, netc.port, err = netc.bind.Open(netc.port)
	if err != nil {
		netc.port = 0
		return err
	}

	if netc.fwmark != 0 {
		err = netc.bind.SetMark(netc.fwmark)
		if err != nil {
			return err
		}
	}

	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.markEndpointSrcForClearing()
	}
	device.peers.RUnlock()

	device.net.stopping.Add(len(recvFns))
	batchSize := netc.bind.BatchSize()
	for _, fn := range recvFns {
		fn := fn
		device.workers.Go(func() error {
			device.RoutineReceiveIncoming(batchSize, fn)
			return nil
		})
	}

	device.log.Verbosef("UDP bind has been updated")
	return nil
}

func (device *Device) BindClose() error {
	device.net.Lock()
	err := closeBindLocked(device)
	device.net.Unlock()
	return err
}
