// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ssrf implements the outbound URL validation the Webhook Executor
// runs once per top-level request before any HTTP attempt (spec §4.3.2): URL
// parsing, hostname denylisting, IP classification, and DNS resolve-and-pin
// to defeat SSRF and DNS-rebinding attacks.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrSchemeNotAllowed  = errors.New("ssrf: scheme not allowed")
	ErrUserinfoForbidden = errors.New("ssrf: userinfo in URL is forbidden")
	ErrHostDenied        = errors.New("ssrf: host is denylisted")
	ErrBlockedIP         = errors.New("ssrf: resolved address is in a blocked range")
	ErrNoAddresses       = errors.New("ssrf: hostname resolved to zero addresses")
	ErrInvalidURL        = errors.New("ssrf: invalid URL")
)

// DefaultDeniedHosts is the fixed hostname denylist from spec §4.3.2.
var DefaultDeniedHosts = []string{
	"localhost",
	"0.0.0.0",
	"169.254.169.254",
	"metadata.google.internal",
	"metadata.azure.com",
}

// Resolver resolves a hostname to its IPv4 and IPv6 addresses. Production
// code uses net.DefaultResolver; tests substitute a fake to exercise
// DNS-rebinding scenarios deterministically.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates outbound URLs and pins DNS results for the lifetime of a
// single request.
type Guard struct {
	deniedHostPatterns []string
	allowedScheme      map[string]struct{}
	resolver           Resolver
}

// New builds a Guard with the fixed denylist plus any tenant-specific
// additions, using resolver for DNS lookups (net.DefaultResolver if nil).
// Denylist entries are doublestar glob patterns, so a tenant can deny an
// entire internal domain (`*.internal.corp`) rather than one host at a time;
// a literal hostname is just a pattern with no wildcard.
func New(resolver Resolver, extraDeniedHosts ...string) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	patterns := make([]string, 0, len(DefaultDeniedHosts)+len(extraDeniedHosts))
	patterns = append(patterns, DefaultDeniedHosts...)
	for _, h := range extraDeniedHosts {
		patterns = append(patterns, strings.ToLower(h))
	}
	return &Guard{
		deniedHostPatterns: patterns,
		allowedScheme:      map[string]struct{}{"http": {}, "https": {}},
		resolver:           resolver,
	}
}

// hostDenied reports whether host matches any configured denylist pattern.
func (g *Guard) hostDenied(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range g.deniedHostPatterns {
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}

// Pinned is the result of validating a URL: the parsed URL and the exact set
// of addresses every connection attempt for this request must be confined to.
type Pinned struct {
	URL       *url.URL
	Addresses []net.IP
}

// Validate runs the full guard against rawURL: scheme check, userinfo
// rejection, hostname denylist, IP classification (for literal IPs) or
// DNS resolve-and-classify-and-pin (for hostnames). It is the single entry
// point used both for the initial request and for re-validating redirects.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*Pinned, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if _, ok := g.allowedScheme[strings.ToLower(u.Scheme)]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}

	if u.User != nil {
		return nil, ErrUserinfoForbidden
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if g.hostDenied(host) {
		return nil, fmt.Errorf("%w: %q", ErrHostDenied, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := classify(ip); err != nil {
			return nil, err
		}
		return &Pinned{URL: u, Addresses: []net.IP{ip}}, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ssrf: dns resolution failed: %w", err)
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if err := classify(a.IP); err != nil {
			return nil, err
		}
		ips = append(ips, a.IP)
	}

	return &Pinned{URL: u, Addresses: ips}, nil
}

// classify rejects an IP address that falls into any private, loopback,
// link-local, CGNAT, reserved, multicast, or broadcast range — IPv4 or IPv6
// (spec §4.3.2, testable property 2).
func classify(ip net.IP) error {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified(),
		ip.IsInterfaceLocalMulticast():
		return fmt.Errorf("%w: %s", ErrBlockedIP, ip)
	}

	if isCGNAT(ip) {
		return fmt.Errorf("%w: %s (CGNAT)", ErrBlockedIP, ip)
	}
	if isReserved(ip) {
		return fmt.Errorf("%w: %s (reserved)", ErrBlockedIP, ip)
	}
	if isBroadcast(ip) {
		return fmt.Errorf("%w: %s (broadcast)", ErrBlockedIP, ip)
	}
	return nil
}

var cgnatBlock = mustParseCIDR("100.64.0.0/10")

func isCGNAT(ip net.IP) bool {
	return cgnatBlock.Contains(ip)
}

func isBroadcast(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4.Equal(net.IPv4bcast)
}

// reservedBlocks covers ranges not already caught by the stdlib's
// private/loopback/link-local classifiers: "this network" (0.0.0.0/8),
// documentation ranges, benchmarking, IETF protocol assignments, and the
// IPv6 discard-only and documentation prefixes.
var reservedBlocks = []*net.IPNet{
	mustParseCIDR("0.0.0.0/8"),
	mustParseCIDR("192.0.0.0/24"),
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("198.18.0.0/15"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("240.0.0.0/4"),
	mustParseCIDR("100::/64"),
	mustParseCIDR("2001:db8::/32"),
}

func isReserved(ip net.IP) bool {
	for _, b := range reservedBlocks {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}
