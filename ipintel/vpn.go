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
	"strings"
)

// Classifier enriches provider IPInfo with VPN/proxy/Tor/relay/hosting
// verdicts from curated dictionaries plus weak heuristics. All dictionaries
// are read-only after construction, so Classify is safe for concurrent use.
//
// Confidence model: a provider flag or an exact dictionary hit scores 100; a
// name heuristic scores 60; hosting ASN type alone scores 50, which is below
// the verdict threshold and therefore never flips IsVPN/IsProxy on its own.
type Classifier struct {
	vpnASNs       map[string]string // ASN -> service name
	vpnKeywords   []string          // matched against ASN name/domain
	proxyKeywords []string
	torASNs       map[string]string
	relayDomains  map[string]string // ASN domain -> relay service
	hostingASNs   map[string]string
}

const verdictThreshold = 60

// NewClassifier builds the classifier with the built-in dictionaries.
func NewClassifier() *Classifier {
	return &Classifier{
		vpnASNs: map[string]string{
			"AS9009":   "M247",       // backbone used by many commercial VPNs
			"AS212238": "Datacamp",   // CDN77/Datacamp, NordVPN exits
			"AS60068":  "Datacamp",
			"AS136787": "PacketHub",  // NordVPN
			"AS39351":  "31173",      // Mullvad
			"AS198605": "AVAST",
			"AS62240":  "Clouvider",
			"AS205100": "F3 Netze",
			"AS53667":  "FranTech",   // BuyVM, popular with VPN resellers
		},
		vpnKeywords: []string{
			"vpn", "mullvad", "nordvpn", "expressvpn", "surfshark",
			"protonvpn", "privateinternetaccess", "windscribe", "ivpn",
			"cyberghost", "tunnelbear",
		},
		proxyKeywords: []string{
			"proxy", "luminati", "brightdata", "oxylabs", "smartproxy",
			"residential-proxy",
		},
		torASNs: map[string]string{
			"AS205235": "Tor exit",
			"AS208323": "Tor exit",
		},
		relayDomains: map[string]string{
			"icloudprivaterelay.com": "iCloud Private Relay",
			"mask.icloud.com":        "iCloud Private Relay",
			"cloudflarewarp.com":     "Cloudflare WARP",
		},
		hostingASNs: map[string]string{
			"AS16509":  "Amazon AWS",
			"AS14618":  "Amazon AWS",
			"AS15169":  "Google",
			"AS396982": "Google Cloud",
			"AS8075":   "Microsoft Azure",
			"AS14061":  "DigitalOcean",
			"AS16276":  "OVH",
			"AS24940":  "Hetzner",
			"AS63949":  "Linode",
			"AS20473":  "Vultr",
		},
	}
}

// Classify merges dictionary and heuristic signals into info and returns the
// enriched copy. Provider flags are never cleared, only strengthened.
func (c *Classifier) Classify(info IPInfo) IPInfo {
	asn := strings.ToUpper(strings.TrimSpace(info.ASN))
	name := strings.ToLower(info.ASNName)
	domain := strings.ToLower(info.ASNDomain)

	vpnScore := 0
	proxyScore := 0

	if info.IsVPN {
		vpnScore = 100
	}
	if info.IsProxy {
		proxyScore = 100
	}

	if _, ok := c.vpnASNs[asn]; ok {
		vpnScore = maxInt(vpnScore, 100)
	}
	for _, kw := range c.vpnKeywords {
		if kw != "" && (strings.Contains(name, kw) || strings.Contains(domain, kw)) {
			vpnScore = maxInt(vpnScore, 60)
			break
		}
	}
	for _, kw := range c.proxyKeywords {
		if kw != "" && (strings.Contains(name, kw) || strings.Contains(domain, kw)) {
			proxyScore = maxInt(proxyScore, 60)
			break
		}
	}

	if _, ok := c.torASNs[asn]; ok {
		info.IsTor = true
	}
	if _, ok := c.relayDomains[domain]; ok {
		info.IsRelay = true
	}
	if _, ok := c.hostingASNs[asn]; ok {
		info.IsHosting = true
		if info.ASNType == "" {
			info.ASNType = ASNTypeHosting
		}
	}
	if info.ASNType == ASNTypeHosting {
		info.IsHosting = true
		// Hosting alone is weak evidence: cap at 50, below threshold.
		vpnScore = maxInt(vpnScore, 50)
	}

	info.IsVPN = vpnScore >= verdictThreshold
	info.IsProxy = proxyScore >= verdictThreshold
	return info
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
