/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package conn

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// StdNetBind is the default Bind, built on net.ListenUDP and batched
// through golang.org/x/net/ipv4 and ipv6 PacketConns.
type StdNetBind struct {
	mu   sync.Mutex
	ipv4 *net.UDPConn
	ipv6 *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn

	// blackhole4/6 are set once per Open when the corresponding family
	// fails to bind, so Send on that family silently drops rather than
	// failing the caller (e.g. an IPv6-only host never errors on an
	// IPv6 peer's send path being unreachable until the datagram is
	// actually sent).
	blackhole4 bool
	blackhole6 bool
}

const stdNetBatchSize = 128

var _ Bind = (*StdNetBind)(nil)

func NewStdNetBind() Bind { return &StdNetBind{} }

func (s *StdNetBind) BatchSize() int { return stdNetBatchSize }

func (s *StdNetBind) Open(port uint16) ([]ReceiveFunc, uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ipv4 != nil || s.ipv6 != nil {
		return nil, 0, ErrBindAlreadyOpen
	}

	var fns []ReceiveFunc
	var actualPort uint16 = port
	var firstErr error

	if conn4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)}); err == nil {
		s.ipv4 = conn4
		s.pc4 = ipv4.NewPacketConn(conn4)
		actualPort = uint16(conn4.LocalAddr().(*net.UDPAddr).Port)
		fns = append(fns, s.makeReceiveFunc(s.pc4, nil))
	} else {
		firstErr = err
		s.blackhole4 = true
	}

	if conn6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: int(actualPort)}); err == nil {
		s.ipv6 = conn6
		s.pc6 = ipv6.NewPacketConn(conn6)
		if actualPort == 0 {
			actualPort = uint16(conn6.LocalAddr().(*net.UDPAddr).Port)
		}
		fns = append(fns, s.makeReceiveFunc(nil, s.pc6))
	} else if firstErr != nil {
		s.closeLocked()
		return nil, 0, errors.Join(firstErr, err)
	} else {
		s.blackhole6 = true
	}

	return fns, actualPort, nil
}

// makeReceiveFunc closes over exactly one of pc4/pc6; the batch reader is
// the same for either family, parametrized on whichever PacketConn is
// non-nil.
func (s *StdNetBind) makeReceiveFunc(pc4 *ipv4.PacketConn, pc6 *ipv6.PacketConn) ReceiveFunc {
	msgs := make([]ipv4.Message, stdNetBatchSize)
	msgs6 := make([]ipv6.Message, stdNetBatchSize)
	for i := range msgs {
		msgs[i].Buffers = make([][]byte, 1)
	}
	for i := range msgs6 {
		msgs6[i].Buffers = make([][]byte, 1)
	}

	return func(bufs [][]byte, sizes []int, eps []Endpoint) (int, error) {
		n := len(bufs)
		if n > stdNetBatchSize {
			n = stdNetBatchSize
		}

		var count int
		var err error

		if pc4 != nil {
			for i := 0; i < n; i++ {
				msgs[i].Buffers[0] = bufs[i]
			}
			count, err = pc4.ReadBatch(msgs[:n], 0)
			if err != nil {
				return 0, err
			}
			for i := 0; i < count; i++ {
				sizes[i] = msgs[i].N
				addr, _ := netip.AddrFromSlice(msgs[i].Addr.(*net.UDPAddr).IP.To4())
				eps[i] = &StdNetEndpoint{AddrPort: netip.AddrPortFrom(addr, uint16(msgs[i].Addr.(*net.UDPAddr).Port))}
			}
			return count, nil
		}

		for i := 0; i < n; i++ {
			msgs6[i].Buffers[0] = bufs[i]
		}
		count, err = pc6.ReadBatch(msgs6[:n], 0)
		if err != nil {
			return 0, err
		}
		for i := 0; i < count; i++ {
			sizes[i] = msgs6[i].N
			udpAddr := msgs6[i].Addr.(*net.UDPAddr)
			addr, _ := netip.AddrFromSlice(udpAddr.IP.To16())
			eps[i] = &StdNetEndpoint{AddrPort: netip.AddrPortFrom(addr, uint16(udpAddr.Port))}
		}
		return count, nil
	}
}

func (s *StdNetBind) Send(bufs [][]byte, ep Endpoint) error {
	nep, ok := ep.(*StdNetEndpoint)
	if !ok {
		return ErrWrongEndpointType
	}

	s.mu.Lock()
	pc4, pc6 := s.pc4, s.pc6
	blackhole4, blackhole6 := s.blackhole4, s.blackhole6
	s.mu.Unlock()

	addr := net.UDPAddrFromAddrPort(nep.AddrPort)
	if nep.AddrPort.Addr().Is4() {
		if pc4 == nil || blackhole4 {
			return nil
		}
		return sendBatch4(pc4, bufs, addr)
	}
	if pc6 == nil || blackhole6 {
		return nil
	}
	return sendBatch6(pc6, bufs, addr)
}

func sendBatch4(pc *ipv4.PacketConn, bufs [][]byte, addr *net.UDPAddr) error {
	msgs := make([]ipv4.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = addr
	}
	_, err := pc.WriteBatch(msgs, 0)
	return err
}

func sendBatch6(pc *ipv6.PacketConn, bufs [][]byte, addr *net.UDPAddr) error {
	msgs := make([]ipv6.Message, len(bufs))
	for i, b := range bufs {
		msgs[i].Buffers = [][]byte{b}
		msgs[i].Addr = addr
	}
	_, err := pc.WriteBatch(msgs, 0)
	return err
}

func (s *StdNetBind) ParseEndpoint(addrStr string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(addrStr)
	if err != nil {
		host, port, splitErr := net.SplitHostPort(addrStr)
		if splitErr != nil {
			return nil, err
		}
		addrs, lookupErr := net.DefaultResolver.LookupNetIP(nil, "ip", host)
		if lookupErr != nil || len(addrs) == 0 {
			return nil, err
		}
		p, perr := net.LookupPort("udp", port)
		if perr != nil {
			return nil, err
		}
		ap = netip.AddrPortFrom(addrs[0], uint16(p))
	}
	return &StdNetEndpoint{AddrPort: ap}, nil
}

func (s *StdNetBind) SetMark(mark uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMarkLocked(mark)
}

func (s *StdNetBind) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *StdNetBind) closeLocked() error {
	var err error
	if s.ipv4 != nil {
		if e := s.ipv4.Close(); e != nil {
			err = e
		}
		s.ipv4 = nil
		s.pc4 = nil
	}
	if s.ipv6 != nil {
		if e := s.ipv6.Close(); e != nil {
			err = e
		}
		s.ipv6 = nil
		s.pc6 = nil
	}
	s.blackhole4 = false
	s.blackhole6 = false
	return err
}
