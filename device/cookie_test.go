/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"testing"
	"time"
)

func TestCookieMAC1RoundTrip(t *testing.T) {
	sk := newTestKeypair(t)
	pk := sk.publicKey()

	var generator CookieGenerator
	var checker CookieChecker
	generator.Init(pk)
	checker.Init(pk)

	msg := make([]byte, MessageInitiationSize)
	for i := range msg {
		msg[i] = byte(i)
	}

	generator.AddMacs(msg)

	if !checker.CheckMAC1(msg) {
		t.Fatal("mac1 stamped by the matching generator should validate")
	}

	msg[0] ^= 0xff
	if checker.CheckMAC1(msg) {
		t.Fatal("mutated message must fail mac1 validation")
	}
}

func TestCookieMAC1RejectsWrongKey(t *testing.T) {
	sk := newTestKeypair(t)
	other := newTestKeypair(t)

	var generator CookieGenerator
	var checker CookieChecker
	generator.Init(sk.publicKey())
	checker.Init(other.publicKey())

	msg := make([]byte, MessageInitiationSize)
	generator.AddMacs(msg)

	if checker.CheckMAC1(msg) {
		t.Fatal("mac1 computed for a different recipient key must not validate")
	}
}

func TestCookieReplyUnlocksMAC2(t *testing.T) {
	sk := newTestKeypair(t)
	pk := sk.publicKey()

	var generator CookieGenerator
	var checker CookieChecker
	generator.Init(pk)
	checker.Init(pk)

	msg := make([]byte, MessageInitiationSize)
	generator.AddMacs(msg)

	src := []byte("198.51.100.7:51820")
	reply, err := checker.CreateReply(msg, 42, src)
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}

	if !generator.ConsumeReply(reply) {
		t.Fatal("generator should accept a reply bound to its own last mac1")
	}

	msg2 := make([]byte, MessageInitiationSize)
	for i := range msg2 {
		msg2[i] = byte(i + 1)
	}
	generator.AddMacs(msg2)

	if !checker.CheckMAC2(msg2, src) {
		t.Fatal("mac2 stamped after a consumed cookie reply should validate for the same source")
	}
	if checker.CheckMAC2(msg2, []byte("203.0.113.9:51820")) {
		t.Fatal("mac2 must be bound to the source address that requested the cookie")
	}
}

func TestGeneratorStopsStampingMAC2PastSecretLatencyMargin(t *testing.T) {
	var generator CookieGenerator
	generator.mac2.cookie = [16]byte{1, 2, 3}
	generator.mac2.cookieSet = time.Now().Add(-(CookieRefreshTime - CookieSecretLatency) - time.Second)

	msg := make([]byte, MessageInitiationSize)
	generator.AddMacs(msg)

	zeroMAC2 := make([]byte, 16)
	if string(msg[len(msg)-16:]) != string(zeroMAC2) {
		t.Fatal("a cookie older than CookieRefreshTime-CookieSecretLatency must not be stamped as mac2")
	}
}
