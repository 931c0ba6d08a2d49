/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Command corewgd runs a single WireGuard interface: it wires the
// device core to a UDP bind and a TUN device, serves the UAPI
// configuration socket, and optionally a read-only HTTP status page.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coregate/wireguard-core/conn"
	"github.com/coregate/wireguard-core/device"
	"github.com/coregate/wireguard-core/ipc"
	"github.com/coregate/wireguard-core/statusapi"
	"github.com/coregate/wireguard-core/tun"
)

func main() {
	var (
		interfaceName = flag.String("interface", "corewg0", "interface name, used for the UAPI socket path")
		verbose       = flag.Bool("verbose", false, "enable verbose (debug) logging")
		mtu           = flag.Int("mtu", device.DefaultMTU, "MTU of the in-memory TUN device")
		statusAddr    = flag.String("status-addr", "", "address for the read-only HTTP status page, e.g. 127.0.0.1:8080 (disabled if empty)")
	)
	flag.Parse()

	level := device.LogLevelError
	if *verbose {
		level = device.LogLevelVerbose
	}
	logger := device.NewLogger(level, fmt.Sprintf("(%s) ", *interfaceName))

	tunDevice := tun.NewMemoryDevice(*interfaceName, *mtu)
	bind := conn.NewStdNetBind()

	dev := device.NewDevice(tunDevice, bind, logger)
	defer dev.Close()

	uapi, err := ipc.UAPIOpen(*interfaceName)
	if err != nil {
		logger.Errorf("Failed to open UAPI socket: %v", err)
		os.Exit(1)
	}
	defer uapi.Close()

	go func() {
		if err := ipc.Serve(uapi, dev); err != nil {
			logger.Errorf("UAPI server stopped: %v", err)
		}
	}()

	if *statusAddr != "" {
		srv := statusapi.NewServer(dev)
		go func() {
			if err := srv.ListenAndServe(*statusAddr); err != nil {
				logger.Errorf("Status API stopped: %v", err)
			}
		}()
	}

	if err := dev.Up(); err != nil {
		logger.Errorf("Failed to bring device up: %v", err)
		os.Exit(1)
	}

	logger.Verbosef("Device started")

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	select {
	case <-term:
	case <-dev.Wait():
	}

	logger.Verbosef("Shutting down")
}
