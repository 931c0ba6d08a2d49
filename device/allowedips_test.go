/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package device

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return p
}

func TestAllowedIPsLongestPrefixMatchV4(t *testing.T) {
	var table AllowedIPs
	broad := &Peer{}
	narrow := &Peer{}

	table.Insert(mustPrefix(t, "10.0.0.0/8"), broad)
	table.Insert(mustPrefix(t, "10.1.2.0/24"), narrow)

	addr := netip.MustParseAddr("10.1.2.3")
	if got := table.Lookup(addr.AsSlice()); got != narrow {
		t.Fatalf("expected narrow match to win, got %v want %v", got, narrow)
	}

	addr = netip.MustParseAddr("10.5.5.5")
	if got := table.Lookup(addr.AsSlice()); got != broad {
		t.Fatalf("expected broad match for address outside narrow range, got %v", got)
	}

	addr = netip.MustParseAddr("192.168.1.1")
	if got := table.Lookup(addr.AsSlice()); got != nil {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestAllowedIPsLongestPrefixMatchV6(t *testing.T) {
	var table AllowedIPs
	broad := &Peer{}
	narrow := &Peer{}

	table.Insert(mustPrefix(t, "fd00::/16"), broad)
	table.Insert(mustPrefix(t, "fd00:aa::/32"), narrow)

	addr := netip.MustParseAddr("fd00:aa::1")
	if got := table.Lookup(addr.AsSlice()); got != narrow {
		t.Fatalf("expected narrow v6 match, got %v", got)
	}

	addr = netip.MustParseAddr("fd00:bb::1")
	if got := table.Lookup(addr.AsSlice()); got != broad {
		t.Fatalf("expected broad v6 match, got %v", got)
	}
}

func TestAllowedIPsInsertReassignsOwner(t *testing.T) {
	var table AllowedIPs
	first := &Peer{}
	second := &Peer{}

	prefix := mustPrefix(t, "172.16.0.0/16")
	table.Insert(prefix, first)
	table.Insert(prefix, second)

	addr := netip.MustParseAddr("172.16.5.5")
	if got := table.Lookup(addr.AsSlice()); got != second {
		t.Fatalf("expected re-insert to reassign owner to second peer, got %v", got)
	}

	var count int
	table.EntriesForPeer(first, func(netip.Prefix) bool { count++; return true })
	if count != 0 {
		t.Fatalf("expected first peer to have no remaining entries, got %d", count)
	}
}

func TestAllowedIPsRemoveRequiresOwnership(t *testing.T) {
	var table AllowedIPs
	owner := &Peer{}
	other := &Peer{}

	prefix := mustPrefix(t, "10.10.0.0/16")
	table.Insert(prefix, owner)

	table.Remove(prefix, other)
	addr := netip.MustParseAddr("10.10.1.1")
	if got := table.Lookup(addr.AsSlice()); got != owner {
		t.Fatalf("remove by non-owner must be a no-op, got %v", got)
	}

	table.Remove(prefix, owner)
	if got := table.Lookup(addr.AsSlice()); got != nil {
		t.Fatalf("expected prefix removed, got %v", got)
	}
}

func TestAllowedIPsRemoveByPeer(t *testing.T) {
	var table AllowedIPs
	peer := &Peer{}

	table.Insert(mustPrefix(t, "10.0.0.0/8"), peer)
	table.Insert(mustPrefix(t, "192.168.0.0/16"), peer)
	table.Insert(mustPrefix(t, "fd00::/16"), peer)

	table.RemoveByPeer(peer)

	if got := table.Lookup(netip.MustParseAddr("10.1.1.1").AsSlice()); got != nil {
		t.Fatalf("expected v4 entry gone after RemoveByPeer, got %v", got)
	}
	if got := table.Lookup(netip.MustParseAddr("fd00::1").AsSlice()); got != nil {
		t.Fatalf("expected v6 entry gone after RemoveByPeer, got %v", got)
	}

	var count int
	table.EntriesForPeer(peer, func(netip.Prefix) bool { count++; return true })
	if count != 0 {
		t.Fatalf("expected peer's trie entry list empty, got %d entries", count)
	}
}

func TestAllowedIPsEntriesForPeer(t *testing.T) {
	var table AllowedIPs
	peer := &Peer{}
	other := &Peer{}

	prefixes := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.1.0/24"}
	for _, p := range prefixes {
		table.Insert(mustPrefix(t, p), peer)
	}
	table.Insert(mustPrefix(t, "10.1.0.0/16"), other)

	seen := make(map[string]bool)
	table.EntriesForPeer(peer, func(p netip.Prefix) bool {
		seen[p.String()] = true
		return true
	})

	if len(seen) != len(prefixes) {
		t.Fatalf("expected %d entries for peer, got %d: %v", len(prefixes), len(seen), seen)
	}
	for _, p := range prefixes {
		if !seen[p] {
			t.Fatalf("missing expected prefix %s in peer's entries", p)
		}
	}
}
