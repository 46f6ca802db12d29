// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package discovery derives the rendezvous name peers use to find each
// other over DNS, resolves it to candidate addresses, and parses the
// dat:// address strings users pass on a command line. It never decides
// which discovered peer to dial, nor holds any connection state — that
// policy belongs to package sync and cmd/geniza (spec.md §6).
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ErrBadAddress is returned by ParseAddress when the input isn't 64 hex
// characters, optionally prefixed "dat://" (spec.md §6).
var ErrBadAddress = errors.New("discovery: not a valid dat address")

// dnsServers are the public discovery servers queried for SRV records,
// matching the two fallback servers of original_source/src/discovery.rs.
var dnsServers = []string{
	"discovery1.publicbits.org:53",
	"discovery2.publicbits.org:53",
}

// nameSuffix is appended to the truncated discovery key to build the
// canonical DNS name (spec.md §6).
const nameSuffix = ".dat.local"

// discoveryNameBytes is the number of leading discovery-key bytes used
// to build the DNS name: 20 bytes, hex-encoded to 40 characters.
const discoveryNameBytes = 20

// Name returns the canonical DNS peer-discovery name for a discovery
// key: the first 20 bytes of the key as lowercase hex, suffixed
// ".dat.local" (spec.md §6).
func Name(discoveryKey [32]byte) string {
	return hex.EncodeToString(discoveryKey[:discoveryNameBytes]) + nameSuffix
}

// ParseAddress parses a dat address: 64 hex characters (case
// insensitive), optionally prefixed "dat://". Anything else is
// ErrBadAddress (spec.md §6).
func ParseAddress(input string) (ed25519.PublicKey, error) {
	raw := strings.TrimPrefix(input, "dat://")
	if len(raw) != ed25519.PublicKeySize*2 {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrBadAddress, ed25519.PublicKeySize*2, len(raw))
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return ed25519.PublicKey(key), nil
}

// FormatAddress renders a public key as a "dat://"-prefixed hex
// address, the inverse of ParseAddress.
func FormatAddress(pub ed25519.PublicKey) string {
	return "dat://" + hex.EncodeToString(pub)
}

// LookupPeers resolves a discovery key to candidate peer addresses by
// querying SRV records for Name(discoveryKey) against the public
// discovery servers, grounded on
// original_source/src/discovery.rs's discover_peers_dns. It returns the
// union of results from every server that answered; a server that
// fails to respond is skipped rather than treated as fatal, since the
// other server (or a peer already connected via other means) may still
// suffice.
func LookupPeers(ctx context.Context, discoveryKey [32]byte) ([]string, error) {
	name := dns.Fqdn(Name(discoveryKey))

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	client := new(dns.Client)

	var addrs []string
	var lastErr error
	for _, server := range dnsServers {
		reply, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range reply.Answer {
			srv, ok := rr.(*dns.SRV)
			if !ok {
				continue
			}
			target := strings.TrimSuffix(srv.Target, ".")
			addrs = append(addrs, net.JoinHostPort(target, fmt.Sprintf("%d", srv.Port)))
		}
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("discovery: SRV lookup for %s: %w", name, lastErr)
	}
	return addrs, nil
}
