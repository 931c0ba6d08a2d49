/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

//go:build linux

package conn

import (
	"golang.org/x/sys/unix"
)

// setMarkLocked applies SO_MARK (the fwmark a peer's outbound traffic is
// tagged with) to both address-family sockets. Callers hold s.mu.
func (s *StdNetBind) setMarkLocked(mark uint32) error {
	var err error
	if s.ipv4 != nil {
		if rc, e := s.ipv4.SyscallConn(); e == nil {
			_ = rc.Control(func(fd uintptr) {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
			})
		}
	}
	if s.ipv6 != nil {
		if rc, e := s.ipv6.SyscallConn(); e == nil {
			_ = rc.Control(func(fd uintptr) {
				if e2 := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark)); e2 != nil {
					err = e2
				}
			})
		}
	}
	return err
}
