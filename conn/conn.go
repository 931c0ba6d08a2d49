/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package conn implements the datagram send/receive primitive the device
// core depends on. The core only ever talks to the Bind and Endpoint
// interfaces below, never to net.UDPConn directly.
package conn

import (
	"errors"
	"net/netip"
)

// ErrBindAlreadyOpen is returned by Open when the Bind has an open socket.
var ErrBindAlreadyOpen = errors.New("bind is already open")

// ErrWrongEndpointType is returned by Bind.Send when passed an Endpoint of
// a type it did not create.
var ErrWrongEndpointType = errors.New("endpoint type does not correspond to bind type")

// A ReceiveFunc receives one or more packets into bufs, reports their
// lengths in sizes, and reports their source Endpoints in eps. It returns
// the number of packets filled, or an error.
type ReceiveFunc func(bufs [][]byte, sizes []int, eps []Endpoint) (n int, err error)

// Bind is the interface the core uses for sending and receiving
// encrypted datagrams. Open binds a UDP-equivalent socket per supported
// address family and returns one ReceiveFunc per family.
type Bind interface {
	// Open puts the Bind into a listening state on the given port and
	// returns one receive function for each supported address family,
	// plus the actual port that was bound (useful when port == 0).
	Open(port uint16) (fns []ReceiveFunc, actualPort uint16, err error)

	// Close closes the Bind's listening sockets and unblocks any
	// in-flight Open's ReceiveFuncs.
	Close() error

	// SetMark sets a platform-specific mark (SO_MARK / fwmark) on the
	// Bind's sockets.
	SetMark(mark uint32) error

	// Send writes one or more packets to the given Endpoint, selecting
	// the socket by the endpoint's address family.
	Send(bufs [][]byte, ep Endpoint) error

	// ParseEndpoint creates a new Endpoint from a string.
	ParseEndpoint(s string) (Endpoint, error)

	// BatchSize is the preferred number of packets passed to
	// ReceiveFuncs and Send at a time.
	BatchSize() int
}

// Endpoint identifies a remote peer's UDP address, and optionally a
// source address the Bind has chosen for that remote (for platforms that
// support binding per-destination source addresses to survive roaming).
type Endpoint interface {
	ClearSrc()          // clears the cached source address, forcing re-selection by routing
	SrcToString() string
	DstToString() string
	DstToBytes() []byte
	DstIP() netip.Addr
	SrcIP() netip.Addr
}

// StdNetEndpoint is the Endpoint implementation of StdNetBind.
type StdNetEndpoint struct {
	AddrPort netip.AddrPort
	src      netip.Addr
}

var (
	_ Endpoint = (*StdNetEndpoint)(nil)
)

func (e *StdNetEndpoint) ClearSrc() { e.src = netip.Addr{} }

func (e *StdNetEndpoint) DstToString() string { return e.AddrPort.String() }

func (e *StdNetEndpoint) SrcToString() string {
	if !e.src.IsValid() {
		return ""
	}
	return e.src.String()
}

func (e *StdNetEndpoint) DstToBytes() []byte {
	b, _ := e.AddrPort.MarshalBinary()
	return b
}

func (e *StdNetEndpoint) DstIP() netip.Addr { return e.AddrPort.Addr() }
func (e *StdNetEndpoint) SrcIP() netip.Addr { return e.src }
