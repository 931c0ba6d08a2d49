/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package statusapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeGetter struct {
	snapshot string
	err      error
}

func (f fakeGetter) IpcGetOperation(w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := io.WriteString(w, f.snapshot)
	return err
}

const sampleSnapshot = "listen_port=51820\n" +
	"fwmark=0\n" +
	"public_key=aabbccddeeff00112233445566778899aabbccddeeff0011223344556677889\n" +
	"endpoint=203.0.113.5:51820\n" +
	"allowed_ip=10.0.0.2/32\n" +
	"allowed_ip=fd00::2/128\n" +
	"last_handshake_time_sec=1700000000\n" +
	"tx_bytes=1024\n" +
	"rx_bytes=2048\n" +
	"persistent_keepalive_interval=25\n"

func TestParseSnapshotSinglePeer(t *testing.T) {
	info := parseSnapshot(bytes.NewBufferString(sampleSnapshot))

	if info.ListenPort != 51820 {
		t.Fatalf("ListenPort = %d, want 51820", info.ListenPort)
	}
	if len(info.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(info.Peers))
	}

	p := info.Peers[0]
	if p.PublicKey != "aabbccddeeff00112233445566778899aabbccddeeff0011223344556677889" {
		t.Fatalf("unexpected public key: %s", p.PublicKey)
	}
	if p.Endpoint != "203.0.113.5:51820" {
		t.Fatalf("unexpected endpoint: %s", p.Endpoint)
	}
	if len(p.AllowedIPs) != 2 {
		t.Fatalf("expected 2 allowed ips, got %d: %v", len(p.AllowedIPs), p.AllowedIPs)
	}
	if p.TxBytes != 1024 || p.RxBytes != 2048 {
		t.Fatalf("byte counters not parsed: tx=%d rx=%d", p.TxBytes, p.RxBytes)
	}
	if p.PersistentKeepaliveSeconds != 25 {
		t.Fatalf("keepalive interval not parsed: %d", p.PersistentKeepaliveSeconds)
	}
}

func TestParseSnapshotMultiplePeersSortedByKey(t *testing.T) {
	snapshot := "listen_port=1\n" +
		"public_key=bbbb\n" +
		"allowed_ip=10.0.0.3/32\n" +
		"public_key=aaaa\n" +
		"allowed_ip=10.0.0.2/32\n"

	info := parseSnapshot(bytes.NewBufferString(snapshot))
	if len(info.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(info.Peers))
	}
	if info.Peers[0].PublicKey != "aaaa" || info.Peers[1].PublicKey != "bbbb" {
		t.Fatalf("peers not sorted by public key: %+v", info.Peers)
	}
}

func TestParseSnapshotEmpty(t *testing.T) {
	info := parseSnapshot(bytes.NewBufferString(""))
	if info.ListenPort != 0 || len(info.Peers) != 0 {
		t.Fatalf("expected zero-value DeviceInfo for empty snapshot, got %+v", info)
	}
}

func TestHandleStatusServesJSON(t *testing.T) {
	s := NewServer(fakeGetter{snapshot: sampleSnapshot})

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var info DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(info.Peers) != 1 {
		t.Fatalf("expected 1 peer in JSON response, got %d", len(info.Peers))
	}
}

func TestHandleStatusPropagatesGetterError(t *testing.T) {
	s := NewServer(fakeGetter{err: errors.New("uapi socket unavailable")})

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Fatalf("status code = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "uapi socket unavailable") {
		t.Fatalf("error body missing underlying message: %s", rec.Body.String())
	}
}

func TestHandleIndex(t *testing.T) {
	s := NewServer(fakeGetter{snapshot: sampleSnapshot})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/status") {
		t.Fatalf("index body should mention /api/status: %s", rec.Body.String())
	}
}
