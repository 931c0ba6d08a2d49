/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package bindtest provides an in-process conn.Bind pair connected by
// Go channels, so device-level tests can exercise the full send/receive
// pipeline without opening real sockets.
package bindtest

import (
	"fmt"
	"net/netip"

	"github.com/coregate/wireguard-core/conn"
)

type ChannelEndpoint uint8

func (e ChannelEndpoint) ClearSrc()            {}
func (e ChannelEndpoint) SrcToString() string  { return "" }
func (e ChannelEndpoint) DstToString() string  { return fmt.Sprintf("127.0.0.1:%d", e) }
func (e ChannelEndpoint) DstToBytes() []byte   { return []byte{byte(e)} }
func (e ChannelEndpoint) DstIP() netip.Addr    { return netip.MustParseAddr("127.0.0.1") }
func (e ChannelEndpoint) SrcIP() netip.Addr    { return netip.Addr{} }

type channelBind struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

// ChannelBinds returns two conn.Bind implementations, each of whose Send
// delivers to the other's receive function. Packets from bind a appear to
// bind b as having come from ChannelEndpoint(1), and vice versa.
func ChannelBinds() (a, b conn.Bind) {
	ab := make(chan []byte, 4096)
	ba := make(chan []byte, 4096)
	return &channelBind{in: ba, out: ab, closed: make(chan struct{})},
		&channelBind{in: ab, out: ba, closed: make(chan struct{})}
}

func (c *channelBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	select {
	case <-c.closed:
		c.closed = make(chan struct{})
	default:
	}
	closed := c.closed
	fn := func(bufs [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case pkt, ok := <-c.in:
			if !ok {
				return 0, fmt.Errorf("channel bind closed")
			}
			n := copy(bufs[0], pkt)
			sizes[0] = n
			eps[0] = ChannelEndpoint(1)
			return 1, nil
		case <-closed:
			return 0, fmt.Errorf("channel bind closed")
		}
	}
	return []conn.ReceiveFunc{fn}, port, nil
}

func (c *channelBind) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *channelBind) SetMark(mark uint32) error { return nil }

func (c *channelBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	for _, b := range bufs {
		cp := make([]byte, len(b))
		copy(cp, b)
		select {
		case c.out <- cp:
		case <-c.closed:
			return fmt.Errorf("channel bind closed")
		}
	}
	return nil
}

func (c *channelBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	return ChannelEndpoint(1), nil
}

func (c *channelBind) BatchSize() int { return 1 }
