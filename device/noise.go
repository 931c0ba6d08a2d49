/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// noise.go implements the Noise_IKpsk2 handshake state machine: message
// construction/consumption, the mix_hash/mix_dh/mix_ss/mix_psk chain, and
// session-keypair derivation (begin_session).
package device

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"

	"github.com/coregate/wireguard-core/tai64n"
)

// Handshake timing constants, matching the upstream protocol's named values.
const (
	RekeyAfterMessages      = (1 << 60)
	RejectAfterMessages     = (1 << 64) - (1 << 13) - 1
	RekeyAfterTime          = time.Second * 120
	RekeyAfterTimeReceiving = time.Second * 165
	RejectAfterTime         = time.Second * 180
	RekeyTimeout            = time.Second * 5
	RekeyTimeoutJitterMaxMs = 334
	RekeyAttemptTime        = time.Second * 90
	KeepaliveTimeout        = time.Second * 10
	CookieRefreshTime       = time.Second * 120
	CookieSecretLatency     = time.Second * 5
	HandshakeInitationRate  = time.Second / 50
)

var (
	InitialChainKey [blake2s.Size]byte
	InitialHash     [blake2s.Size]byte
	ZeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	InitialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixHash(&InitialHash, &InitialChainKey, []byte(WGIdentifier))
}

type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

func (s handshakeState) String() string {
	switch s {
	case handshakeZeroed:
		return "zeroed"
	case handshakeInitiationCreated:
		return "initiation-created"
	case handshakeInitiationConsumed:
		return "initiation-consumed"
	case handshakeResponseCreated:
		return "response-created"
	case handshakeResponseConsumed:
		return "response-consumed"
	default:
		return fmt.Sprintf("handshake(unknown:%d)", int(s))
	}
}

const (
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	WGLabelMAC1       = "mac1----"
	WGLabelCookie     = "cookie--"
)

const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + poly1305.TagSize
	MessageKeepaliveSize       = MessageTransportSize
	MessageHandshakeSize       = MessageInitiationSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + poly1305.TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

func (msg *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errors.New("noise: short initiation message")
	}
	msg.Type = binary.LittleEndian.Uint32(b[0:4])
	msg.Sender = binary.LittleEndian.Uint32(b[4:8])
	copy(msg.Ephemeral[:], b[8:40])
	copy(msg.Static[:], b[40:88])
	copy(msg.Timestamp[:], b[88:116])
	copy(msg.MAC1[:], b[116:132])
	copy(msg.MAC2[:], b[132:148])
	return nil
}

func (msg *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errors.New("noise: short initiation buffer")
	}
	binary.LittleEndian.PutUint32(b[0:4], msg.Type)
	binary.LittleEndian.PutUint32(b[4:8], msg.Sender)
	copy(b[8:40], msg.Ephemeral[:])
	copy(b[40:88], msg.Static[:])
	copy(b[88:116], msg.Timestamp[:])
	copy(b[116:132], msg.MAC1[:])
	copy(b[132:148], msg.MAC2[:])
	return nil
}

func (msg *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errors.New("noise: short response message")
	}
	msg.Type = binary.LittleEndian.Uint32(b[0:4])
	msg.Sender = binary.LittleEndian.Uint32(b[4:8])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:12])
	copy(msg.Ephemeral[:], b[12:44])
	copy(msg.Empty[:], b[44:60])
	copy(msg.MAC1[:], b[60:76])
	copy(msg.MAC2[:], b[76:92])
	return nil
}

func (msg *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errors.New("noise: short response buffer")
	}
	binary.LittleEndian.PutUint32(b[0:4], msg.Type)
	binary.LittleEndian.PutUint32(b[4:8], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:12], msg.Receiver)
	copy(b[12:44], msg.Ephemeral[:])
	copy(b[44:60], msg.Empty[:])
	copy(b[60:76], msg.MAC1[:])
	copy(b[76:92], msg.MAC2[:])
	return nil
}

func (msg *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errors.New("noise: short cookie-reply message")
	}
	msg.Type = binary.LittleEndian.Uint32(b[0:4])
	msg.Receiver = binary.LittleEndian.Uint32(b[4:8])
	copy(msg.Nonce[:], b[8:32])
	copy(msg.Cookie[:], b[32:64])
	return nil
}

func (msg *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errors.New("noise: short cookie-reply buffer")
	}
	binary.LittleEndian.PutUint32(b[0:4], msg.Type)
	binary.LittleEndian.PutUint32(b[4:8], msg.Receiver)
	copy(b[8:32], msg.Nonce[:])
	copy(b[32:64], msg.Cookie[:])
	return nil
}

// Handshake holds a remote peer's in-progress Noise transcript: e, hash,
// ck, plus the timestamp and index bookkeeping the handshake needs.
type Handshake struct {
	mutex sync.RWMutex

	state                    handshakeState
	localEphemeral           NoisePrivateKey
	localIndex               uint32
	remoteIndex              uint32
	remoteStatic             NoisePublicKey
	remoteEphemeral          NoisePublicKey
	precomputedStaticStatic  [NoisePublicKeySize]byte
	presharedKey             NoisePresharedKey

	chainKey [blake2s.Size]byte
	hash     [blake2s.Size]byte

	lastTimestamp              tai64n.Timestamp
	lastInitiationConsumption  time.Time
	lastSentHandshake          time.Time
}

func (h *Handshake) Clear() {
	setZero(h.localEphemeral[:])
	setZero(h.chainKey[:])
	setZero(h.hash[:])
	h.localIndex = 0
	h.state = handshakeZeroed
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (h *Handshake) mixHash(data []byte) {
	mixHash(&h.hash, &h.hash, data)
}

func (h *Handshake) mixKey(data []byte) {
	mixKey(&h.chainKey, &h.chainKey, data)
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hsh, _ := blake2s.New256(nil)
	hsh.Write(h[:])
	hsh.Write(data)
	hsh.Sum(dst[:0])
	hsh.Reset()
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

// hmac1 computes HMAC-BLAKE2s(key, in), the building block of the
// handshake's HKDF.
func hmac1(sum *[blake2s.Size]byte, key, in []byte) {
	mac := hmac.New(newBlake2s256, key)
	mac.Write(in)
	mac.Sum(sum[:0])
}

func newBlake2s256() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// kdf1/kdf2/kdf3 implement the handshake's HKDF: sec = HMAC(ck, input),
// t1 = HMAC(sec, 0x01), t2 = HMAC(sec, t1||0x02), t3 = HMAC(sec, t2||0x03).
func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var sec [blake2s.Size]byte
	hmac1(&sec, key, input)
	hmac1(t0, sec[:], []byte{0x1})
	setZero(sec[:])
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var sec [blake2s.Size]byte
	var tmp [blake2s.Size + 1]byte
	hmac1(&sec, key, input)
	hmac1(t0, sec[:], []byte{0x1})
	copy(tmp[:blake2s.Size], t0[:])
	tmp[blake2s.Size] = 0x2
	hmac1(t1, sec[:], tmp[:])
	setZero(sec[:])
	setZero(tmp[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var sec [blake2s.Size]byte
	var tmp [blake2s.Size + 1]byte
	hmac1(&sec, key, input)
	hmac1(t0, sec[:], []byte{0x1})
	copy(tmp[:blake2s.Size], t0[:])
	tmp[blake2s.Size] = 0x2
	hmac1(t1, sec[:], tmp[:])
	copy(tmp[:blake2s.Size], t1[:])
	tmp[blake2s.Size] = 0x3
	hmac1(t2, sec[:], tmp[:])
	setZero(sec[:])
	setZero(tmp[:])
}

// mixDH folds a Diffie-Hellman result between priv and pub into the
// running chain key, rejecting an all-zero DH output.
func (h *Handshake) mixDH(priv NoisePrivateKey, pub NoisePublicKey) error {
	ss, err := priv.sharedSecret(pub)
	if err != nil {
		return err
	}
	h.mixKey(ss[:])
	setZero(ss[:])
	return nil
}

// mixPSK folds the pre-shared symmetric key into the transcript, the
// "psk2" step of Noise_IKpsk2, and returns the AEAD key for the message
// that follows.
func (h *Handshake) mixPSK(psk NoisePresharedKey) (key [chacha20poly1305.KeySize]byte) {
	var tmp [blake2s.Size]byte
	kdf3(&h.chainKey, &tmp, (*[blake2s.Size]byte)(&key), h.chainKey[:], psk[:])
	h.mixHash(tmp[:])
	setZero(tmp[:])
	return key
}

func (device *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	if device.staticIdentity.privateKey.IsZero() {
		return nil, ErrNoIdentity
	}

	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	handshake.hash = InitialHash
	handshake.chainKey = InitialChainKey
	handshake.mixHash(handshake.remoteStatic[:])

	var err error
	handshake.localEphemeral, err = newPrivateKeyFromRandom(rand.Read)
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral: %w", err)
	}

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: handshake.localEphemeral.publicKey(),
	}

	handshake.mixKey(msg.Ephemeral[:])
	handshake.mixHash(msg.Ephemeral[:])

	// es: encrypt local static public key under key derived from e·rs
	var key [chacha20poly1305.KeySize]byte
	ss, err := handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("noise: es: %w", err)
	}
	kdf2(&handshake.chainKey, (*[blake2s.Size]byte)(&key), handshake.chainKey[:], ss[:])
	setZero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], ZeroNonce[:], device.staticIdentity.publicKey[:], handshake.hash[:])
	handshake.mixHash(msg.Static[:])

	// ets: encrypt timestamp under key derived from the precomputed ss
	kdf2(&handshake.chainKey, (*[blake2s.Size]byte)(&key), handshake.chainKey[:], handshake.precomputedStaticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], ZeroNonce[:], timestamp[:], handshake.hash[:])
	handshake.mixHash(msg.Timestamp[:])

	setZero(key[:])

	localIndex, err := device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}
	handshake.previousLocalIndex(localIndex, device)
	msg.Sender = localIndex

	handshake.state = handshakeInitiationCreated
	handshake.lastSentHandshake = time.Now()
	return &msg, nil
}

// previousLocalIndex retires any index this handshake previously held
// before adopting a freshly drawn one, so the index table never leaks
// stale handshake-in-progress entries across repeated initiations.
func (h *Handshake) previousLocalIndex(newIndex uint32, device *Device) {
	if h.localIndex != 0 && h.localIndex != newIndex {
		device.indexTable.Delete(h.localIndex)
	}
	h.localIndex = newIndex
}

// ConsumeMessageInitiation authenticates and decrypts msg, returning the
// Peer it claims to originate from, or nil on any failure (replay,
// flood, bad AEAD tag, unknown static key).
func (device *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()
	if device.staticIdentity.privateKey.IsZero() {
		return nil
	}

	mixHash(&hash, &InitialHash, device.staticIdentity.publicKey[:])
	mixKey(&chainKey, &InitialChainKey, msg.Ephemeral[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])

	var key [chacha20poly1305.KeySize]byte
	ss, err := device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	kdf2(&chainKey, (*[blake2s.Size]byte)(&key), chainKey[:], ss[:])
	setZero(ss[:])

	var peerPK NoisePublicKey
	aead, _ := chacha20poly1305.New(key[:])
	_, err = aead.Open(peerPK[:0], ZeroNonce[:], msg.Static[:], hash[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Static[:])

	peer := device.LookupPeer(peerPK)
	if peer == nil {
		return nil
	}

	handshake := &peer.handshake
	handshake.mutex.RLock()
	precomputedSS := handshake.precomputedStaticStatic
	handshake.mutex.RUnlock()

	kdf2(&chainKey, (*[blake2s.Size]byte)(&key), chainKey[:], precomputedSS[:])

	var timestamp tai64n.Timestamp
	aead, _ = chacha20poly1305.New(key[:])
	_, err = aead.Open(timestamp[:0], ZeroNonce[:], msg.Timestamp[:], hash[:])
	setZero(key[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if timestamp.After(handshake.lastTimestamp) {
		handshake.lastTimestamp = timestamp
	} else {
		return nil
	}
	if time.Since(handshake.lastInitiationConsumption) <= HandshakeInitationRate {
		return nil
	}

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	handshake.lastInitiationConsumption = time.Now()
	handshake.state = handshakeInitiationConsumed

	return peer
}

func (device *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationConsumed {
		return nil, errors.New("noise: handshake not in initiation-consumed state")
	}

	var err error
	handshake.localEphemeral, err = newPrivateKeyFromRandom(rand.Read)
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral: %w", err)
	}

	msg := MessageResponse{
		Type:      MessageResponseType,
		Receiver:  handshake.remoteIndex,
		Ephemeral: handshake.localEphemeral.publicKey(),
	}

	handshake.mixHash(msg.Ephemeral[:])
	handshake.mixKey(msg.Ephemeral[:])

	if err := handshake.mixDH(handshake.localEphemeral, handshake.remoteEphemeral); err != nil {
		return nil, fmt.Errorf("noise: ee: %w", err)
	}
	if err := handshake.mixDH(handshake.localEphemeral, handshake.remoteStatic); err != nil {
		return nil, fmt.Errorf("noise: se: %w", err)
	}
	key := handshake.mixPSK(handshake.presharedKey)

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], ZeroNonce[:], nil, handshake.hash[:])
	handshake.mixHash(msg.Empty[:])
	setZero(key[:])

	localIndex, err := device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}
	handshake.previousLocalIndex(localIndex, device)
	msg.Sender = localIndex

	handshake.state = handshakeResponseCreated
	return &msg, nil
}

func (device *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	entry := device.indexTable.Lookup(msg.Receiver)
	if entry.handshake == nil {
		return nil
	}
	handshake := entry.handshake

	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationCreated {
		return nil
	}

	hash := handshake.hash
	chainKey := handshake.chainKey

	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &chainKey, msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	mixKey(&chainKey, &chainKey, ss[:])
	setZero(ss[:])

	device.staticIdentity.RLock()
	ss, err = device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	device.staticIdentity.RUnlock()
	if err != nil {
		return nil
	}
	mixKey(&chainKey, &chainKey, ss[:])
	setZero(ss[:])

	var tmp [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&chainKey, &tmp, (*[blake2s.Size]byte)(&key), chainKey[:], handshake.presharedKey[:])
	mixHash(&hash, &hash, tmp[:])
	setZero(tmp[:])

	aead, _ := chacha20poly1305.New(key[:])
	_, err = aead.Open(nil, ZeroNonce[:], msg.Empty[:], hash[:])
	setZero(key[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Empty[:])

	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.state = handshakeResponseConsumed

	return entry.peer
}

// deleteKeypair retires kp's index-table entry. A nil kp is a no-op, so
// callers can pass any of the three keypair-rotation slots unconditionally.
func (device *Device) deleteKeypair(kp *Keypair) {
	if kp != nil {
		device.indexTable.Delete(kp.localIndex)
	}
}

// BeginSymmetricSession derives a fresh Keypair from the completed
// handshake transcript and rotates it into peer's current/next/previous
// slots, per the protocol's initiator/responder rules: an initiator's
// freshly derived keypair becomes current immediately; a responder's
// becomes next until the initiator's first data packet confirms it.
func (peer *Peer) BeginSymmetricSession() error {
	device := peer.device
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	var isInitiator bool
	var sendKey, recvKey [chacha20poly1305.KeySize]byte

	switch handshake.state {
	case handshakeResponseConsumed:
		kdf2((*[blake2s.Size]byte)(&sendKey), (*[blake2s.Size]byte)(&recvKey), handshake.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		kdf2((*[blake2s.Size]byte)(&recvKey), (*[blake2s.Size]byte)(&sendKey), handshake.chainKey[:], nil)
		isInitiator = false
	default:
		return fmt.Errorf("noise: invalid state for keypair derivation: %v", handshake.state)
	}

	keypair := new(Keypair)
	keypair.sendCipher, _ = chacha20poly1305.New(sendKey[:])
	keypair.receiveCipher, _ = chacha20poly1305.New(recvKey[:])
	setZero(sendKey[:])
	setZero(recvKey[:])

	keypair.created = time.Now()
	keypair.isInitiator = isInitiator
	keypair.canSend.Store(true)
	keypair.localIndex = handshake.localIndex
	keypair.remoteIndex = handshake.remoteIndex
	if isInitiator {
		keypair.confirmed.Store(true)
	}

	device.indexTable.SwapIndexForKeypair(handshake.localIndex, keypair)
	handshake.localIndex = 0

	keypairs := &peer.keypairs
	keypairs.mu.Lock()
	defer keypairs.mu.Unlock()

	previous := keypairs.previous
	next := keypairs.next
	current := keypairs.current

	if isInitiator {
		if next != nil {
			keypairs.next = nil
			keypairs.previous = next
			device.deleteKeypair(current)
		} else {
			keypairs.previous = current
		}
		device.deleteKeypair(previous)
		keypairs.current = keypair
	} else {
		keypairs.next = keypair
		device.deleteKeypair(next)
		keypairs.previous = nil
		device.deleteKeypair(previous)
	}

	handshake.state = handshakeZeroed
	return nil
}

// ReceivedWithKeypair promotes a responder's "next" keypair to "current"
// on the first authenticated data packet received under it, confirming
// the handshake on the responder side.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	kp := &peer.keypairs
	kp.mu.RLock()
	if kp.next != receivedKeypair {
		kp.mu.RUnlock()
		return false
	}
	kp.mu.RUnlock()

	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.next != receivedKeypair {
		return false
	}
	old := kp.previous
	kp.previous = kp.current
	kp.current = kp.next
	kp.next = nil
	peer.device.deleteKeypair(old)
	receivedKeypair.confirmed.Store(true)
	return true
}
