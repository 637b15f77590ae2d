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

// Package ipintel looks up geolocation and network classification for
// request source addresses. Lookups go through a layered cache, a
// prioritized provider chain with health tracking, and a classifier that
// merges provider flags with curated VPN/proxy dictionaries.
package ipintel

import (
	"encoding/json"

	"github.com/zeebo/errs"
)

// Error wraps provider and budget failures. Lookup callers treat it as
// non-fatal: decisions continue with an empty IPInfo.
var Error = errs.Class("ipintel")

// ASNType classifies the owning network.
type ASNType string

const (
	ASNTypeISP       ASNType = "isp"
	ASNTypeHosting   ASNType = "hosting"
	ASNTypeBusiness  ASNType = "business"
	ASNTypeEducation ASNType = "education"
)

// IPInfo is the enrichment attached to a decision. Every field is optional;
// the zero value means "unknown" and is a legitimate, first-class result.
type IPInfo struct {
	IP string `json:"ip,omitempty"`

	Country       string  `json:"country,omitempty"`       // ISO 3166-1 alpha-2
	CountryName   string  `json:"countryName,omitempty"`
	Region        string  `json:"region,omitempty"`
	City          string  `json:"city,omitempty"`
	Continent     string  `json:"continent,omitempty"` // two-letter code
	ContinentName string  `json:"continentName,omitempty"`
	Latitude      float64 `json:"latitude,omitempty"`
	Longitude     float64 `json:"longitude,omitempty"`
	Timezone      string  `json:"timezone,omitempty"`
	PostalCode    string  `json:"postalCode,omitempty"`

	ASN       string  `json:"asn,omitempty"`
	ASNName   string  `json:"asnName,omitempty"`
	ASNDomain string  `json:"asnDomain,omitempty"`
	ASNType   ASNType `json:"asnType,omitempty"`

	IsVPN     bool `json:"isVpn,omitempty"`
	IsProxy   bool `json:"isProxy,omitempty"`
	IsHosting bool `json:"isHosting,omitempty"`
	IsRelay   bool `json:"isRelay,omitempty"`
	IsTor     bool `json:"isTor,omitempty"`

	// Provider records which source produced the data.
	Provider string `json:"provider,omitempty"`
}

// IsEmpty reports whether the info carries no data beyond the address.
func (i IPInfo) IsEmpty() bool {
	return i.Country == "" && i.ASN == "" && i.City == "" &&
		!i.IsVPN && !i.IsProxy && !i.IsHosting && !i.IsRelay && !i.IsTor
}

// encode/decode are used by the distributed cache layer.

func encodeInfo(info IPInfo) (string, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(b), nil
}

func decodeInfo(s string) (IPInfo, error) {
	var info IPInfo
	if err := json.Unmarshal([]byte(s), &info); err != nil {
		return IPInfo{}, Error.Wrap(err)
	}
	return info, nil
}
