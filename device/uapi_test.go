/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/coregate/wireguard-core/conn/bindtest"
	"github.com/coregate/wireguard-core/tun"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	bindA, _ := bindtest.ChannelBinds()
	tunA := tun.NewMemoryDevice("utun-test", DefaultMTU)
	dev := NewDevice(tunA, bindA, NewLogger(LogLevelSilent, ""))
	t.Cleanup(dev.Close)
	return dev
}

func TestUAPISetAndGetPeer(t *testing.T) {
	dev := newTestDevice(t)

	sk := newTestKeypair(t)
	peerSK := newTestKeypair(t)
	peerPK := peerSK.publicKey()

	set := fmt.Sprintf(
		"private_key=%s\npublic_key=%s\nallowed_ip=10.0.0.2/32\npersistent_keepalive_interval=25\n\n",
		hex.EncodeToString(sk[:]), hex.EncodeToString(peerPK[:]),
	)

	if err := dev.IpcSetOperation(strings.NewReader(set)); err != nil {
		t.Fatalf("IpcSetOperation: %v", err)
	}

	if got := dev.LookupPeer(peerPK); got == nil {
		t.Fatal("expected peer to be registered after set=1")
	}

	var buf bytes.Buffer
	if err := dev.IpcGetOperation(&buf); err != nil {
		t.Fatalf("IpcGetOperation: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "public_key="+hex.EncodeToString(peerPK[:])) {
		t.Fatalf("get output missing registered peer's public_key:\n%s", out)
	}
	if !strings.Contains(out, "allowed_ip=10.0.0.2/32") {
		t.Fatalf("get output missing configured allowed_ip:\n%s", out)
	}
	if !strings.Contains(out, "persistent_keepalive_interval=25") {
		t.Fatalf("get output missing configured keepalive interval:\n%s", out)
	}
}

func TestUAPIRemovePeer(t *testing.T) {
	dev := newTestDevice(t)

	sk := newTestKeypair(t)
	peerSK := newTestKeypair(t)
	peerPK := peerSK.publicKey()

	set := fmt.Sprintf(
		"private_key=%s\npublic_key=%s\nallowed_ip=10.0.0.2/32\n\n",
		hex.EncodeToString(sk[:]), hex.EncodeToString(peerPK[:]),
	)
	if err := dev.IpcSetOperation(strings.NewReader(set)); err != nil {
		t.Fatalf("initial IpcSetOperation: %v", err)
	}
	if dev.LookupPeer(peerPK) == nil {
		t.Fatal("peer should exist before removal")
	}

	remove := fmt.Sprintf("public_key=%s\nremove=true\n\n", hex.EncodeToString(peerPK[:]))
	if err := dev.IpcSetOperation(strings.NewReader(remove)); err != nil {
		t.Fatalf("remove IpcSetOperation: %v", err)
	}

	if dev.LookupPeer(peerPK) != nil {
		t.Fatal("peer should be gone after remove=true")
	}
}

func TestUAPISetRejectsMalformedLine(t *testing.T) {
	dev := newTestDevice(t)

	if err := dev.IpcSetOperation(strings.NewReader("not-a-key-value-line\n\n")); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
}

func TestUAPISetRejectsBadPrivateKey(t *testing.T) {
	dev := newTestDevice(t)

	if err := dev.IpcSetOperation(strings.NewReader("private_key=not-hex\n\n")); err == nil {
		t.Fatal("expected an error for an invalid private_key value")
	}
}
