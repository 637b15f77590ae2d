// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

package ipintel

import (
	"net/netip"
)

// IsLookupable reports whether ip is a syntactically valid, public,
// globally-routable unicast address. Private, loopback, link-local,
// multicast, unspecified and reserved addresses return false; the service
// never sends those to a provider (SSRF policy) and answers an empty IPInfo
// instead.
func IsLookupable(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	// IPv4-mapped IPv6 carries the classification of its embedded IPv4.
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified(),
		addr.IsInterfaceLocalMulticast():
		return false
	}
	if addr.Is4() {
		b := addr.As4()
		// 100.64.0.0/10 CGNAT, 192.0.2.0/24 + 198.51.100.0/24 +
		// 203.0.113.0/24 documentation, 192.0.0.0/24 protocol
		// assignments, 198.18.0.0/15 benchmarking, 240.0.0.0/4 reserved.
		switch {
		case b[0] == 100 && b[1] >= 64 && b[1] <= 127:
			return false
		case b[0] == 192 && b[1] == 0 && (b[2] == 0 || b[2] == 2):
			return false
		case b[0] == 198 && (b[1] == 18 || b[1] == 19):
			return false
		case b[0] == 198 && b[1] == 51 && b[2] == 100:
			return false
		case b[0] == 203 && b[1] == 0 && b[2] == 113:
			return false
		case b[0] >= 240:
			return false
		}
		return true
	}
	// IPv6 ULA fc00::/7 and documentation 2001:db8::/32.
	b := addr.As16()
	if b[0]&0xfe == 0xfc {
		return false
	}
	if b[0] == 0x20 && b[1] == 0x01 && b[2] == 0x0d && b[3] == 0xb8 {
		return false
	}
	return true
}
