/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNextSendNonceExhaustion(t *testing.T) {
	kp := &Keypair{}
	kp.canSend.Store(true)
	atomic.StoreUint64(&kp.sendNonce, RejectAfterMessages-1)

	n, ok := kp.NextSendNonce()
	if !ok || n != RejectAfterMessages-1 {
		t.Fatalf("last valid nonce: got (%d, %v), want (%d, true)", n, ok, RejectAfterMessages-1)
	}

	if _, ok := kp.NextSendNonce(); ok {
		t.Fatal("NextSendNonce should refuse once the counter reaches RejectAfterMessages")
	}
	if kp.canSend.Load() {
		t.Fatal("canSend should be cleared once the keypair is exhausted")
	}

	// Further calls must not keep incrementing past the ceiling.
	if _, ok := kp.NextSendNonce(); ok {
		t.Fatal("an exhausted keypair must stay exhausted")
	}
}

func TestShouldRefreshSendingOnMessageCount(t *testing.T) {
	kp := &Keypair{created: time.Now()}
	kp.canSend.Store(true)
	atomic.StoreUint64(&kp.sendNonce, RekeyAfterMessages+1)

	if !kp.shouldRefreshSending() {
		t.Fatal("expected a refresh once the send counter passes RekeyAfterMessages")
	}
}

func TestShouldRefreshSendingFalseForFreshKeypair(t *testing.T) {
	kp := &Keypair{created: time.Now(), isInitiator: true}
	kp.canSend.Store(true)

	if kp.shouldRefreshSending() {
		t.Fatal("a freshly derived keypair with little traffic should not ask for a refresh")
	}
}

func TestShouldRefreshReceivingRespectsInitiatorAge(t *testing.T) {
	kp := &Keypair{
		created:     time.Now().Add(-(RejectAfterTime - KeepaliveTimeout - RekeyTimeout) - time.Second),
		isInitiator: true,
	}
	kp.canSend.Store(true)

	if !kp.shouldRefreshReceiving() {
		t.Fatal("an aging initiator-side keypair should ask for a refresh on the receive path")
	}

	responder := &Keypair{created: time.Now(), isInitiator: false}
	responder.canSend.Store(true)
	if responder.shouldRefreshReceiving() {
		t.Fatal("a responder-side keypair never drives should_refresh(receiving)")
	}
}

func TestExhaustedKeypairNeverRefreshes(t *testing.T) {
	kp := &Keypair{created: time.Now().Add(-time.Hour), isInitiator: true}
	kp.canSend.Store(false)

	if kp.shouldRefreshSending() {
		t.Fatal("an exhausted keypair should not ask for a refresh; it's already being replaced")
	}
	if kp.shouldRefreshReceiving() {
		t.Fatal("an exhausted keypair should not ask for a refresh; it's already being replaced")
	}
}
