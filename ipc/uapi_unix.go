/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

//go:build linux || darwin || freebsd || openbsd

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketDirectory is where UAPI sockets live, matching wireguard-go's
// own convention so external `wg` tooling that looks there keeps working.
var socketDirectory = "/var/run/wireguard"

func sockPath(interfaceName string) string {
	return filepath.Join(socketDirectory, interfaceName+".sock")
}

// UAPIListener is a Unix-domain-socket listener restricted to the
// invoking user, serving one configuration-protocol transaction per
// accepted connection.
type UAPIListener struct {
	net.Listener
	path string
}

// UAPIOpen creates (or reopens) the named interface's control socket,
// removing any stale one left behind by an unclean previous exit.
func UAPIOpen(interfaceName string) (*UAPIListener, error) {
	if err := os.MkdirAll(socketDirectory, 0o755); err != nil {
		return nil, err
	}

	path := sockPath(interfaceName)

	if err := checkUAPISocket(path); err != nil {
		return nil, err
	}

	oldUmask := unix.Umask(0o077)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	unix.Umask(oldUmask)
	if err != nil {
		return nil, err
	}

	sockFile, err := listener.File()
	if err != nil {
		listener.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ipc: duplicate socket fd: %w", err)
	}
	chmodErr := unix.Fchmod(int(sockFile.Fd()), 0o600)
	sockFile.Close()
	if chmodErr != nil {
		listener.Close()
		os.Remove(path)
		return nil, fmt.Errorf("ipc: restrict socket permissions: %w", chmodErr)
	}

	return &UAPIListener{Listener: listener, path: path}, nil
}

// checkUAPISocket removes path if nothing is actually listening on it
// (a crash leaves a stale socket file that would otherwise make
// net.Listen fail with "address already in use").
func checkUAPISocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("ipc: uapi socket in use: %s", path)
	}
	if errno, ok := err.(*net.OpError); ok {
		if sysErr, ok := errno.Err.(*os.SyscallError); ok && sysErr.Err == syscall.ECONNREFUSED {
			return os.Remove(path)
		}
	}
	return os.Remove(path)
}

func (l *UAPIListener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.path)
	return err
}
