/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package tun defines the virtual network interface abstraction the
// device core injects decrypted packets into and reads plaintext packets
// from. Everything OS-specific about creating that interface — the
// device/clone control plane, ioctl decoding, BPF tap, and link-layer
// framing — lives behind this interface, not in front of it.
package tun

// Event describes a condition change the device core should react to:
// Up/Down report an interface state change (standing in for an OS
// SIOCSIFFLAGS call; the device core only logs them, processing is
// driven by Device.Up/Down), MTUUpdate prompts a re-read of Device.MTU.
type Event int

const (
	EventUp Event = 1 << iota
	EventDown
	EventMTUUpdate
)

// Device is the interface to a virtual network interface: something that
// can receive whole, decrypted IP packets for injection into the local
// stack, and produce whole IP packets the device core should encrypt and
// send to a peer.
type Device interface {
	// Read fills bufs (each offset by offset bytes for header room) with
	// up to len(bufs) packets read from the interface, and reports their
	// lengths in sizes. It returns the number of packets read.
	Read(bufs [][]byte, sizes []int, offset int) (n int, err error)

	// Write injects len(bufs) whole IP packets (each offset by offset
	// bytes) into the interface for delivery to the local IP stack.
	Write(bufs [][]byte, offset int) (int, error)

	// MTU returns the interface's current MTU.
	MTU() (int, error)

	// Name returns the current name of the interface.
	Name() (string, error)

	// Events returns a channel of interface condition changes.
	Events() <-chan Event

	// Close stops the interface and releases its resources.
	Close() error

	// BatchSize is the preferred number of packets passed to Read and
	// Write at a time.
	BatchSize() int
}

// AddressFamily reports whether b looks like an IPv4 or IPv6 packet by
// inspecting the high nibble of the first byte (the IP version field),
// as the device core does when classifying a decrypted payload.
func AddressFamily(b []byte) (v4, v6 bool) {
	if len(b) == 0 {
		return false, false
	}
	switch b[0] >> 4 {
	case 4:
		return true, false
	case 6:
		return false, true
	default:
		return false, false
	}
}
