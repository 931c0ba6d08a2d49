/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coregate/wireguard-core/ipc"
)

// IPCError is a UAPI transaction failure carrying the errno the wire
// protocol reports back to the client.
type IPCError struct {
	code int64
	err  error
}

func (s *IPCError) Error() string    { return fmt.Sprintf("IPC error %d: %v", s.code, s.err) }
func (s *IPCError) Unwrap() error    { return s.err }
func (s *IPCError) ErrorCode() int64 { return s.code }

func ipcErrorf(code int64, msg string, args ...any) *IPCError {
	return &IPCError{code: code, err: fmt.Errorf(msg, args...)}
}

var byteBufferPool = &sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// IpcGetOperation implements the UAPI "get" transaction: the entire
// device and peer state, serialized as key=value lines.
func (device *Device) IpcGetOperation(w io.Writer) error {
	device.ipcMutex.RLock()
	defer device.ipcMutex.RUnlock()

	buf := byteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer byteBufferPool.Put(buf)

	sendf := func(format string, args ...any) {
		fmt.Fprintf(buf, format, args...)
		buf.WriteByte('\n')
	}
	keyf := func(prefix string, key *[32]byte) {
		buf.WriteString(prefix)
		buf.WriteByte('=')
		const hex = "0123456789abcdef"
		for _, b := range key {
			buf.WriteByte(hex[b>>4])
			buf.WriteByte(hex[b&0xf])
		}
		buf.WriteByte('\n')
	}

	func() {
		device.net.RLock()
		defer device.net.RUnlock()
		device.staticIdentity.RLock()
		defer device.staticIdentity.RUnlock()
		device.peers.RLock()
		defer device.peers.RUnlock()

		if !device.staticIdentity.privateKey.IsZero() {
			keyf("private_key", (*[32]byte)(&device.staticIdentity.privateKey))
		}
		if device.net.port != 0 {
			sendf("listen_port=%d", device.net.port)
		}
		if device.net.fwmark != 0 {
			sendf("fwmark=%d", device.net.fwmark)
		}

		for _, peer := range device.peers.keyMap {
			peer.handshake.mutex.RLock()
			keyf("public_key", (*[32]byte)(&peer.handshake.remoteStatic))
			if !peer.handshake.presharedKey.IsZero() {
				keyf("preshared_key", (*[32]byte)(&peer.handshake.presharedKey))
			}
			peer.handshake.mutex.RUnlock()

			peer.endpoint.Lock()
			if peer.endpoint.val != nil {
				sendf("endpoint=%s", peer.endpoint.val.DstToString())
			}
			peer.endpoint.Unlock()

			nano := peer.lastHandshakeNano.Load()
			secs := nano / time.Second.Nanoseconds()
			nsecs := nano % time.Second.Nanoseconds()
			sendf("last_handshake_time_sec=%d", secs)
			sendf("last_handshake_time_nsec=%d", nsecs)
			sendf("tx_bytes=%d", peer.txBytes.Load())
			sendf("rx_bytes=%d", peer.rxBytes.Load())
			sendf("persistent_keepalive_interval=%d", peer.persistentKeepaliveInterval.Load())

			device.allowedips.EntriesForPeer(peer, func(prefix netip.Prefix) bool {
				sendf("allowed_ip=%s", prefix.String())
				return true
			})
		}
	}()

	if _, err := w.Write(buf.Bytes()); err != nil {
		return ipcErrorf(ipc.IpcErrorIO, "failed to write output: %w", err)
	}
	return nil
}

// ipcSetPeer tracks the peer currently being configured across a
// streamed set=1 transaction: the next public_key= line or the blank
// line that ends the transaction ends its configuration.
type ipcSetPeer struct {
	*Peer
	dummy   bool
	created bool
	pkaOn   bool
}

func (peer *ipcSetPeer) handlePostConfig(device *Device) {
	if peer.Peer == nil || peer.dummy {
		return
	}
	if device.isUp() {
		peer.Start()
		if peer.pkaOn {
			peer.SendKeepalive()
		}
		peer.SendStagedPackets()
	}
}

// IpcSetOperation implements the UAPI "set" transaction: a stream of
// key=value lines, a blank line committing the peer currently being
// configured and terminating the operation.
func (device *Device) IpcSetOperation(r io.Reader) error {
	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	var err error
	defer func() {
		if err != nil {
			device.log.Errorf("%v", err)
		}
	}()

	peer := new(ipcSetPeer)
	deviceConfig := true

	lines := splitUAPILines(r)
	for _, line := range lines {
		if line == "" {
			peer.handlePostConfig(device)
			return nil
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ipcErrorf(ipc.IpcErrorProtocol, "failed to parse line %q", line)
		}

		if key == "public_key" {
			deviceConfig = false
			peer.handlePostConfig(device)
			if err = device.handlePublicKeyLine(peer, value); err != nil {
				return err
			}
			continue
		}

		if deviceConfig {
			err = device.handleDeviceLine(key, value)
		} else {
			err = device.handlePeerLine(peer, key, value)
		}
		if err != nil {
			return err
		}
	}
	peer.handlePostConfig(device)
	return nil
}

// splitUAPILines reads r line by line up to and including the blank line
// that terminates a transaction (or to EOF if none comes), so a client
// need not close its end of the connection to get a reply. It uses
// bufio.Reader rather than bufio.Scanner, whose token-size limit is
// awkward for long allowed_ip lists.
func splitUAPILines(r io.Reader) []string {
	br := bufio.NewReader(r)
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if line != "" {
				lines = append(lines, line)
			}
			return lines
		}
		line = strings.TrimSuffix(line, "\n")
		lines = append(lines, line)
		if line == "" {
			return lines
		}
	}
}

func (device *Device) handleDeviceLine(key, value string) error {
	switch key {
	case "private_key":
		var sk NoisePrivateKey
		if err := sk.FromMaybeZeroHex(value); err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set private_key: %w", err)
		}
		device.log.Verbosef("UAPI: Updating private key")
		if err := device.SetPrivateKey(sk); err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set private_key: %w", err)
		}

	case "listen_port":
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to parse listen_port: %w", err)
		}
		device.log.Verbosef("UAPI: Updating listen port")
		device.net.Lock()
		device.net.port = uint16(port)
		device.net.Unlock()
		if err := device.BindUpdate(); err != nil {
			return ipcErrorf(ipc.IpcErrorPortInUse, "failed to set listen_port: %w", err)
		}

	case "fwmark":
		mark, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "invalid fwmark: %w", err)
		}
		device.log.Verbosef("UAPI: Updating fwmark")
		if err := device.BindSetMark(uint32(mark)); err != nil {
			return ipcErrorf(ipc.IpcErrorPortInUse, "failed to update fwmark: %w", err)
		}

	case "replace_peers":
		if value != "true" {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set replace_peers, invalid value: %v", value)
		}
		device.log.Verbosef("UAPI: Removing all peers")
		device.RemoveAllPeers()

	default:
		return ipcErrorf(ipc.IpcErrorInvalid, "invalid UAPI device key: %v", key)
	}
	return nil
}

func (device *Device) handlePublicKeyLine(peer *ipcSetPeer, value string) error {
	var publicKey NoisePublicKey
	if err := publicKey.FromHex(value); err != nil {
		return ipcErrorf(ipc.IpcErrorInvalid, "failed to get peer by public key: %w", err)
	}

	device.staticIdentity.RLock()
	peer.dummy = device.staticIdentity.publicKey.Equals(publicKey)
	device.staticIdentity.RUnlock()

	if peer.dummy {
		peer.Peer = &Peer{}
	} else {
		peer.Peer = device.LookupPeer(publicKey)
	}

	peer.created = peer.Peer == nil
	if peer.created {
		var err error
		peer.Peer, err = device.NewPeer(publicKey)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to create new peer: %w", err)
		}
		device.log.Verbosef("%v - UAPI: Created", peer.Peer)
	}
	return nil
}

func (device *Device) handlePeerLine(peer *ipcSetPeer, key, value string) error {
	switch key {
	case "update_only":
		if value != "true" {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set update_only, invalid value: %v", value)
		}
		if peer.created && !peer.dummy {
			device.RemovePeer(peer.handshake.remoteStatic)
			peer.Peer = &Peer{}
			peer.dummy = true
		}

	case "remove":
		if value != "true" {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set remove, invalid value: %v", value)
		}
		if !peer.dummy {
			device.log.Verbosef("%v - UAPI: Removing", peer.Peer)
			device.RemovePeer(peer.handshake.remoteStatic)
		}
		peer.Peer = &Peer{}
		peer.dummy = true

	case "preshared_key":
		device.log.Verbosef("%v - UAPI: Updating preshared key", peer.Peer)
		peer.handshake.mutex.Lock()
		err := peer.handshake.presharedKey.FromHex(value)
		peer.handshake.mutex.Unlock()
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set preshared_key: %w", err)
		}

	case "endpoint":
		device.log.Verbosef("%v - UAPI: Updating endpoint", peer.Peer)
		endpoint, err := device.net.bind.ParseEndpoint(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set endpoint %v: %w", value, err)
		}
		peer.endpoint.Lock()
		peer.endpoint.val = endpoint
		peer.endpoint.Unlock()

	case "persistent_keepalive_interval":
		device.log.Verbosef("%v - UAPI: Updating persistent keepalive interval", peer.Peer)
		secs, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set persistent_keepalive_interval: %w", err)
		}
		old := peer.persistentKeepaliveInterval.Swap(uint32(secs))
		peer.pkaOn = old == 0 && secs != 0

	case "replace_allowed_ips":
		if value != "true" {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to replace allowed_ips, invalid value: %v", value)
		}
		device.log.Verbosef("%v - UAPI: Removing all allowedips", peer.Peer)
		if peer.dummy {
			return nil
		}
		device.allowedips.RemoveByPeer(peer.Peer)

	case "allowed_ip":
		add := true
		verb := "Adding"
		if strings.HasPrefix(value, "-") {
			add = false
			verb = "Removing"
			value = value[1:]
		}
		device.log.Verbosef("%v - UAPI: %s allowedip", peer.Peer, verb)
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return ipcErrorf(ipc.IpcErrorInvalid, "failed to set allowed_ip: %w", err)
		}
		if peer.dummy {
			return nil
		}
		if add {
			device.allowedips.Insert(prefix, peer.Peer)
		} else {
			device.allowedips.Remove(prefix, peer.Peer)
		}

	case "protocol_version":
		if value != "1" {
			return ipcErrorf(ipc.IpcErrorInvalid, "invalid protocol_version: %v", value)
		}

	default:
		return ipcErrorf(ipc.IpcErrorInvalid, "invalid UAPI peer key: %v", key)
	}
	return nil
}
