/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Package statusapi serves a read-only JSON view of a device's current
// state over plain net/http, built directly from the same UAPI "get"
// snapshot the ipc package's Unix socket serves.
package statusapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// getter is the one device method statusapi depends on, letting it
// stay decoupled from the device package's concrete type during tests.
type getter interface {
	IpcGetOperation(w io.Writer) error
}

// Server is a minimal, read-only HTTP surface over a device's state: no
// authentication, no mutation endpoints, matching its role as an
// operator status page rather than a control plane.
type Server struct {
	device getter
	mux    *http.ServeMux
}

// PeerInfo is one peer's status, reshaped from the UAPI snapshot's flat
// key=value lines into JSON.
type PeerInfo struct {
	PublicKey                  string   `json:"public_key"`
	Endpoint                   string   `json:"endpoint,omitempty"`
	AllowedIPs                 []string `json:"allowed_ips"`
	LastHandshakeTimeSec       int64    `json:"last_handshake_time_sec"`
	TxBytes                    uint64   `json:"tx_bytes"`
	RxBytes                    uint64   `json:"rx_bytes"`
	PersistentKeepaliveSeconds uint32   `json:"persistent_keepalive_interval"`
}

// DeviceInfo is the interface-level status, plus its peers.
type DeviceInfo struct {
	ListenPort uint16     `json:"listen_port"`
	FwMark     uint32     `json:"fwmark,omitempty"`
	Peers      []PeerInfo `json:"peers"`
}

// NewServer builds a Server for dev, wiring /api/status, /api/peers and
// the / index page.
func NewServer(dev getter) *Server {
	s := &Server{device: dev, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/peers", s.handlePeers)
	s.mux.HandleFunc("/", s.handleIndex)
	return s
}

// ListenAndServe blocks serving on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) snapshot() (DeviceInfo, error) {
	var buf bytes.Buffer
	if err := s.device.IpcGetOperation(&buf); err != nil {
		return DeviceInfo{}, err
	}
	return parseSnapshot(&buf), nil
}

// parseSnapshot reshapes the UAPI key=value stream into DeviceInfo,
// starting a new PeerInfo every time a public_key= line is seen,
// mirroring the same "public_key ends the previous record" framing the
// set=1 protocol uses on the way in.
func parseSnapshot(r *bytes.Buffer) DeviceInfo {
	var info DeviceInfo
	var cur *PeerInfo

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "listen_port":
			if v, err := strconv.ParseUint(value, 10, 16); err == nil {
				info.ListenPort = uint16(v)
			}
		case "fwmark":
			if v, err := strconv.ParseUint(value, 10, 32); err == nil {
				info.FwMark = uint32(v)
			}
		case "public_key":
			info.Peers = append(info.Peers, PeerInfo{PublicKey: value})
			cur = &info.Peers[len(info.Peers)-1]
		case "endpoint":
			if cur != nil {
				cur.Endpoint = value
			}
		case "allowed_ip":
			if cur != nil {
				cur.AllowedIPs = append(cur.AllowedIPs, value)
			}
		case "last_handshake_time_sec":
			if cur != nil {
				if v, err := strconv.ParseInt(value, 10, 64); err == nil {
					cur.LastHandshakeTimeSec = v
				}
			}
		case "tx_bytes":
			if cur != nil {
				if v, err := strconv.ParseUint(value, 10, 64); err == nil {
					cur.TxBytes = v
				}
			}
		case "rx_bytes":
			if cur != nil {
				if v, err := strconv.ParseUint(value, 10, 64); err == nil {
					cur.RxBytes = v
				}
			}
		case "persistent_keepalive_interval":
			if cur != nil {
				if v, err := strconv.ParseUint(value, 10, 32); err == nil {
					cur.PersistentKeepaliveSeconds = uint32(v)
				}
			}
		}
	}

	sort.Slice(info.Peers, func(i, j int) bool {
		return info.Peers[i].PublicKey < info.Peers[j].PublicKey
	})
	return info
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	info, err := s.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info.Peers)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("corewgd status API: GET /api/status, GET /api/peers\n"))
}
