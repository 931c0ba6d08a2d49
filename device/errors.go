/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import "errors"

// Control-path errors, returned precisely to the caller.
var (
	ErrNoIdentity        = errors.New("device: local identity not set")
	ErrUnsupportedFamily = errors.New("device: unsupported address family")
	ErrNoSpace           = errors.New("device: out of space for new peer")
	ErrInvalidMTU        = errors.New("device: invalid MTU")
	ErrNotPrivileged     = errors.New("device: insufficient privilege")
)

// Datapath errors, one per drop reason of the datapath taxonomy. The
// datapath drops such packets silently (logging at verbose level) and
// does not return these values; they never escape to an external caller.
var (
	errNoUsableKeypair  = errors.New("device: no usable keypair")
	errHandshakeExpired = errors.New("device: handshake initiation rate-limited")
	errUnknownPeer      = errors.New("device: no peer for destination")
	errNoEndpoint       = errors.New("device: peer has no endpoint")
	errLoopDetected     = errors.New("device: loopback routing loop detected")
	errSourceMismatch   = errors.New("device: inner source does not match keypair's peer")
	errReplay           = errors.New("device: counter replay or out-of-window")
)
