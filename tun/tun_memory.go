/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"sync"
)

// MemoryDevice is a Device backed entirely by an in-process queue. It
// satisfies the tun.Device contract for tests and for embedding this
// module as a library without an OS TUN driver; it does not touch any
// kernel networking facility.
//
// A caller injects inbound packets (as if they arrived from the kernel IP
// stack bound for a peer) with Inject, and drains packets the device core
// wrote for local delivery with Outbound.
type MemoryDevice struct {
	mu       sync.Mutex
	closed   bool
	mtu      int
	name     string
	toDevice chan []byte // Inject -> Read
	fromDev  chan []byte // Write -> Outbound
	events   chan Event
}

var _ Device = (*MemoryDevice)(nil)

// NewMemoryDevice creates a MemoryDevice with the given MTU and name.
func NewMemoryDevice(name string, mtu int) *MemoryDevice {
	return &MemoryDevice{
		mtu:      mtu,
		name:     name,
		toDevice: make(chan []byte, 1024),
		fromDev:  make(chan []byte, 1024),
		events:   make(chan Event, 16),
	}
}

// Inject enqueues a whole IP packet as if it had arrived from the local
// stack, to be read by the device core's outbound pipeline.
func (m *MemoryDevice) Inject(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errors.New("tun: device closed")
	}
	m.toDevice <- cp
	return nil
}

// Outbound returns the channel of decrypted packets the device core wrote
// for local delivery; the channel is closed when the device closes.
func (m *MemoryDevice) Outbound() <-chan []byte {
	return m.fromDev
}

func (m *MemoryDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	pkt, ok := <-m.toDevice
	if !ok {
		return 0, errors.New("tun: device closed")
	}
	n := copy(bufs[0][offset:], pkt)
	sizes[0] = n
	return 1, nil
}

func (m *MemoryDevice) Write(bufs [][]byte, offset int) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, errors.New("tun: device closed")
	}
	count := 0
	for _, b := range bufs {
		pkt := make([]byte, len(b)-offset)
		copy(pkt, b[offset:])
		select {
		case m.fromDev <- pkt:
			count++
		default:
			// Local stack too slow to drain; drop, matching a real
			// interface's bounded input queue.
		}
	}
	return count, nil
}

func (m *MemoryDevice) MTU() (int, error)     { return m.mtu, nil }
func (m *MemoryDevice) Name() (string, error) { return m.name, nil }
func (m *MemoryDevice) Events() <-chan Event  { return m.events }
func (m *MemoryDevice) BatchSize() int        { return 1 }

func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.toDevice)
	close(m.fromDev)
	close(m.events)
	return nil
}

// SetMTU updates the interface MTU and emits EventMTUUpdate, standing
// in for an OS-level SIOCSIFMTU call.
func (m *MemoryDevice) SetMTU(mtu int) {
	m.mu.Lock()
	m.mtu = mtu
	m.mu.Unlock()
	select {
	case m.events <- EventMTUUpdate:
	default:
	}
}
