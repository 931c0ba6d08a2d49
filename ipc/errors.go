/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package ipc implements the UAPI configuration-protocol transport: a
// Unix-domain-socket listener that hands each accepted connection to a
// caller-supplied get/set handler pair, one line-oriented key=value
// exchange at a time.
package ipc

// Error codes returned embedded in a failed UAPI transaction's trailing
// "errno=" line, matching the codes wireguard-go's own ipc package
// defines.
const (
	IpcErrorIO        = int64(-5)
	IpcErrorInvalid   = int64(-22)
	IpcErrorPortInUse = int64(-98)
	IpcErrorUnknown   = int64(-71)
	IpcErrorProtocol  = int64(-71)
)
