/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Handler implements the two sides of a UAPI configuration-protocol
// transaction: get dumps the current state as key=value lines, set
// consumes a stream of key=value lines to apply. Device satisfies this
// with IpcGetOperation/IpcSetOperation.
type Handler interface {
	IpcGetOperation(w io.Writer) error
	IpcSetOperation(r io.Reader) error
}

// ErrorCoder is implemented by errors that carry a UAPI errno, such as
// the *IPCError the device package returns.
type ErrorCoder interface {
	error
	ErrorCode() int64
}

// Serve accepts connections on l until it is closed, handling each with
// a single get=1 or set=1 transaction, matching wireguard-go's own UAPI
// wire format: the first line is "get=1" or "set=1"; get replies with
// key=value lines followed directly by "errno=N\n\n"; set
// consumes key=value lines (already blank-line terminated by the
// caller) and replies with "errno=N\n\n".
func Serve(l net.Listener, h Handler) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go serveOne(conn, h)
	}
}

func serveOne(conn net.Conn, h Handler) {
	defer conn.Close()

	buf := make([]byte, 16)
	n, err := io.ReadFull(conn, buf[:4])
	if err != nil || n != 4 {
		return
	}

	switch string(buf[:4]) {
	case "get=":
		discardLine(conn)
		errno := int64(0)
		if err := h.IpcGetOperation(conn); err != nil {
			errno = errorCode(err)
		}
		fmt.Fprintf(conn, "errno=%d\n\n", errno)
	case "set=":
		discardLine(conn)
		errno := int64(0)
		if err := h.IpcSetOperation(conn); err != nil {
			errno = errorCode(err)
		}
		fmt.Fprintf(conn, "errno=%d\n\n", errno)
	}
}

func errorCode(err error) int64 {
	var ec ErrorCoder
	if errors.As(err, &ec) {
		return ec.ErrorCode()
	}
	return IpcErrorUnknown
}

func discardLine(r io.Reader) {
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil || b[0] == '\n' {
			return
		}
	}
}
