/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/rand"
	"testing"
)

func newBareDevice(t *testing.T) *Device {
	t.Helper()
	d := &Device{}
	d.peers.keyMap = make(map[NoisePublicKey]*Peer)
	d.indexTable.Init()
	d.log = NewLogger(LogLevelSilent, "")
	return d
}

func newTestKeypair(t *testing.T) NoisePrivateKey {
	t.Helper()
	sk, err := newPrivateKeyFromRandom(rand.Read)
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	return sk
}

// handshakeFixture wires two bare devices through the full
// initiation/response exchange and returns the two peers, each
// representing the other device's identity.
func handshakeFixture(t *testing.T) (devA, devB *Device, peerA, peerB *Peer) {
	t.Helper()

	devA = newBareDevice(t)
	devB = newBareDevice(t)

	skA := newTestKeypair(t)
	skB := newTestKeypair(t)

	if err := devA.SetPrivateKey(skA); err != nil {
		t.Fatalf("devA.SetPrivateKey: %v", err)
	}
	if err := devB.SetPrivateKey(skB); err != nil {
		t.Fatalf("devB.SetPrivateKey: %v", err)
	}

	pkA := skA.publicKey()
	pkB := skB.publicKey()

	var err error
	peerA, err = devA.NewPeer(pkB)
	if err != nil {
		t.Fatalf("devA.NewPeer: %v", err)
	}
	peerB, err = devB.NewPeer(pkA)
	if err != nil {
		t.Fatalf("devB.NewPeer: %v", err)
	}

	initMsg, err := devA.CreateMessageInitiation(peerA)
	if err != nil {
		t.Fatalf("CreateMessageInitiation: %v", err)
	}
	var initBuf [MessageInitiationSize]byte
	if err := initMsg.marshal(initBuf[:]); err != nil {
		t.Fatalf("marshal initiation: %v", err)
	}

	var gotInit MessageInitiation
	if err := gotInit.unmarshal(initBuf[:]); err != nil {
		t.Fatalf("unmarshal initiation: %v", err)
	}
	consumingPeer := devB.ConsumeMessageInitiation(&gotInit)
	if consumingPeer != peerB {
		t.Fatalf("ConsumeMessageInitiation returned %v, want peerB %v", consumingPeer, peerB)
	}

	respMsg, err := devB.CreateMessageResponse(peerB)
	if err != nil {
		t.Fatalf("CreateMessageResponse: %v", err)
	}
	var respBuf [MessageResponseSize]byte
	if err := respMsg.marshal(respBuf[:]); err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var gotResp MessageResponse
	if err := gotResp.unmarshal(respBuf[:]); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	respondingPeer := devA.ConsumeMessageResponse(&gotResp)
	if respondingPeer != peerA {
		t.Fatalf("ConsumeMessageResponse returned %v, want peerA %v", respondingPeer, peerA)
	}

	if err := peerA.BeginSymmetricSession(); err != nil {
		t.Fatalf("peerA.BeginSymmetricSession: %v", err)
	}
	if err := peerB.BeginSymmetricSession(); err != nil {
		t.Fatalf("peerB.BeginSymmetricSession: %v", err)
	}

	return devA, devB, peerA, peerB
}

func TestHandshakeDerivesMatchingKeypair(t *testing.T) {
	_, _, peerA, peerB := handshakeFixture(t)

	initiatorKP := peerA.keypairs.Current()
	if initiatorKP == nil {
		t.Fatal("initiator has no current keypair after BeginSymmetricSession")
	}
	if !initiatorKP.confirmed.Load() {
		t.Fatal("initiator's own keypair should be immediately confirmed")
	}

	responderKP := peerB.keypairs.next
	if responderKP == nil {
		t.Fatal("responder's derived keypair should sit in the next slot until confirmed")
	}

	plaintext := []byte("wireguard test payload")
	var nonce [12]byte
	sealed := initiatorKP.sendCipher.Seal(nil, nonce[:], plaintext, nil)

	opened, err := responderKP.receiveCipher.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		t.Fatalf("responder failed to open initiator-sealed data: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", opened, plaintext)
	}

	reply := responderKP.sendCipher.Seal(nil, nonce[:], plaintext, nil)
	openedReply, err := initiatorKP.receiveCipher.Open(nil, nonce[:], reply, nil)
	if err != nil {
		t.Fatalf("initiator failed to open responder-sealed data: %v", err)
	}
	if string(openedReply) != string(plaintext) {
		t.Fatalf("reverse roundtrip mismatch: got %q want %q", openedReply, plaintext)
	}
}

func TestReceivedWithKeypairConfirmsResponder(t *testing.T) {
	_, _, _, peerB := handshakeFixture(t)

	next := peerB.keypairs.next
	if next == nil {
		t.Fatal("expected a pending next keypair")
	}

	if !peerB.ReceivedWithKeypair(next) {
		t.Fatal("ReceivedWithKeypair should confirm the matching next keypair")
	}
	if peerB.keypairs.Current() != next {
		t.Fatal("confirmed keypair should be promoted to current")
	}
	if peerB.keypairs.next != nil {
		t.Fatal("next slot should be cleared after confirmation")
	}

	// A second call with a stale reference must not reconfirm.
	if peerB.ReceivedWithKeypair(next) {
		t.Fatal("ReceivedWithKeypair should not re-confirm an already-current keypair")
	}
}

func TestConsumeMessageInitiationRejectsReplay(t *testing.T) {
	devA := newBareDevice(t)
	devB := newBareDevice(t)

	skA := newTestKeypair(t)
	skB := newTestKeypair(t)
	if err := devA.SetPrivateKey(skA); err != nil {
		t.Fatal(err)
	}
	if err := devB.SetPrivateKey(skB); err != nil {
		t.Fatal(err)
	}

	pkA := skA.publicKey()
	pkB := skB.publicKey()

	peerA, err := devA.NewPeer(pkB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := devB.NewPeer(pkA); err != nil {
		t.Fatal(err)
	}

	initMsg, err := devA.CreateMessageInitiation(peerA)
	if err != nil {
		t.Fatal(err)
	}
	var buf [MessageInitiationSize]byte
	if err := initMsg.marshal(buf[:]); err != nil {
		t.Fatal(err)
	}

	var first, second MessageInitiation
	if err := first.unmarshal(buf[:]); err != nil {
		t.Fatal(err)
	}
	if err := second.unmarshal(buf[:]); err != nil {
		t.Fatal(err)
	}

	if devB.ConsumeMessageInitiation(&first) == nil {
		t.Fatal("first consumption of a fresh initiation should succeed")
	}
	if devB.ConsumeMessageInitiation(&second) != nil {
		t.Fatal("replaying the identical initiation must be rejected")
	}
}
