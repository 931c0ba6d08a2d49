/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/curve25519"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
	NoiseNonce        uint64 // a single ChaCha20Poly1305 nonce, counter-derived
)

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return key.Equals(zero)
}

func (key NoisePrivateKey) Equals(tar NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], tar[:]) == 1
}

// clamp applies the Curve25519 clamping rule (RFC 7748 §5) expected of a
// scalar used as an X25519 private key.
func (key *NoisePrivateKey) clamp() {
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
}

func newPrivateKeyFromRandom(randRead func([]byte) (int, error)) (sk NoisePrivateKey, err error) {
	_, err = randRead(sk[:])
	sk.clamp()
	return
}

// publicKey derives the Curve25519 public key for sk.
func (key *NoisePrivateKey) publicKey() (pk NoisePublicKey) {
	apk := (*[NoisePublicKeySize]byte)(&pk)
	ask := (*[NoisePrivateKeySize]byte)(key)
	curve25519.ScalarBaseMult(apk, ask)
	return
}

// sharedSecret computes the static-static DH between key and peer's
// public key, failing if the result is the
// all-zero point.
func (key NoisePrivateKey) sharedSecret(pk NoisePublicKey) (ss [NoisePublicKeySize]byte, err error) {
	apk := (*[NoisePublicKeySize]byte)(&pk)
	ask := (*[NoisePrivateKeySize]byte)(&key)
	curve25519.ScalarMult(&ss, ask, apk)
	if isZero(ss[:]) {
		return ss, errors.New("noise: computed zero shared secret")
	}
	return ss, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key NoisePublicKey) Equals(tar NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], tar[:]) == 1
}

func (key NoisePublicKey) String() string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// ParseNoisePublicKeyHex parses the 64-character lowercase hex encoding
// the UAPI protocol uses for keys on the wire.
func ParseNoisePublicKeyHex(s string) (NoisePublicKey, error) {
	var key NoisePublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != NoisePublicKeySize {
		return key, errors.New("device: invalid key length")
	}
	copy(key[:], b)
	return key, nil
}

// ParseNoisePrivateKeyHex parses a hex-encoded private key and clamps it,
// matching the UAPI's private_key= line.
func ParseNoisePrivateKeyHex(s string) (NoisePrivateKey, error) {
	var key NoisePrivateKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != NoisePrivateKeySize {
		return key, errors.New("device: invalid key length")
	}
	copy(key[:], b)
	key.clamp()
	return key, nil
}

// FromHex overwrites key in place from its UAPI hex encoding.
func (key *NoisePublicKey) FromHex(s string) error {
	parsed, err := ParseNoisePublicKeyHex(s)
	if err != nil {
		return err
	}
	*key = parsed
	return nil
}

// FromMaybeZeroHex overwrites key in place from its UAPI hex encoding,
// where an all-zero value means "clear the key", matching the UAPI's
// private_key= semantics.
func (key *NoisePrivateKey) FromMaybeZeroHex(s string) error {
	parsed, err := ParseNoisePrivateKeyHex(s)
	if err != nil {
		return err
	}
	if b, _ := hex.DecodeString(s); isZero(b) {
		parsed = NoisePrivateKey{}
	}
	*key = parsed
	return nil
}

// FromHex overwrites key in place from its UAPI hex encoding.
func (key *NoisePresharedKey) FromHex(s string) error {
	parsed, err := ParseNoisePresharedKeyHex(s)
	if err != nil {
		return err
	}
	*key = parsed
	return nil
}

func (key NoisePresharedKey) IsZero() bool {
	var zero NoisePresharedKey
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}

func ParseNoisePresharedKeyHex(s string) (NoisePresharedKey, error) {
	var key NoisePresharedKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != NoisePresharedKeySize {
		return key, errors.New("device: invalid key length")
	}
	copy(key[:], b)
	return key, nil
}
