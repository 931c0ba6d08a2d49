/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"testing"
	"time"
)

func TestTimersAnyAuthenticatedPacketSentCancelsKeepalive(t *testing.T) {
	peer := &Peer{}
	peer.timersInit()
	t.Cleanup(peer.timersStop)

	peer.timers.sendKeepalive.Mod(time.Minute)
	if !peer.timers.sendKeepalive.IsPending() {
		t.Fatal("expected sendKeepalive to be pending after Mod")
	}

	peer.timersAnyAuthenticatedPacketSent()
	if peer.timers.sendKeepalive.IsPending() {
		t.Fatal("any-authenticated-packet-sent should cancel a pending keepalive")
	}
}

func TestTimersAnyAuthenticatedPacketReceivedCancelsNewHandshake(t *testing.T) {
	peer := &Peer{}
	peer.timersInit()
	t.Cleanup(peer.timersStop)

	peer.timers.newHandshake.Mod(time.Minute)
	if !peer.timers.newHandshake.IsPending() {
		t.Fatal("expected newHandshake to be pending after Mod")
	}

	peer.timersAnyAuthenticatedPacketReceived()
	if peer.timers.newHandshake.IsPending() {
		t.Fatal("any-authenticated-packet-received should cancel a pending new-handshake retry")
	}
}
