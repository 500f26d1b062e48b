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

package ssrf

import (
	"context"
	"fmt"
	"net"
	"time"
)

// PinnedDialer returns a DialContext function that ignores whatever the
// stdlib resolver would return for addr's host and instead connects only to
// the address set captured at validation time. This is what makes the DNS
// pin effective across retries: even if the authoritative DNS answer changes
// between the guard's lookup and the TCP connect (rebinding), the dialer
// never consults DNS again (spec §4.3.2, testable property 3).
func PinnedDialer(pinned *Pinned, base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid dial address %q: %w", addr, err)
		}

		var lastErr error
		for _, ip := range pinned.Addresses {
			pinnedAddr := net.JoinHostPort(ip.String(), port)
			conn, err := base.DialContext(ctx, network, pinnedAddr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = ErrNoAddresses
		}
		return nil, fmt.Errorf("ssrf: failed to dial pinned addresses: %w", lastErr)
	}
}

// ValidateRedirect re-runs the full guard against a redirect Location header
// value. No redirect may target a host/IP that the guard would reject,
// including one that happens to coincide with the previous pin's peer but
// resolves to a different, unvalidated address (spec §4.3.2).
func (g *Guard) ValidateRedirect(ctx context.Context, location string) (*Pinned, error) {
	return g.Validate(ctx, location)
}
