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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxResponseSize caps provider response bodies at 1 MiB. Oversized
// responses are rejected up front via Content-Length when present, and by a
// bounded reader otherwise.
const maxResponseSize = 1 << 20

// Provider resolves one IP to IPInfo. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (IPInfo, error)
}

// providerDocument is the canonical JSON shape JSONProvider consumes. It is
// a superset of the fields common free endpoints return; unknown fields are
// ignored.
type providerDocument struct {
	Country       string  `json:"country"`
	CountryCode   string  `json:"countryCode"`
	CountryName   string  `json:"country_name"`
	Region        string  `json:"region"`
	RegionName    string  `json:"regionName"`
	City          string  `json:"city"`
	Continent     string  `json:"continentCode"`
	ContinentName string  `json:"continent"`
	Latitude      float64 `json:"lat"`
	Longitude     float64 `json:"lon"`
	Timezone      string  `json:"timezone"`
	Postal        string  `json:"zip"`
	ASN           string  `json:"asn"`
	ASNName       string  `json:"asname"`
	ASNDomain     string  `json:"asdomain"`
	ASNType       string  `json:"astype"`
	Proxy         bool    `json:"proxy"`
	Hosting       bool    `json:"hosting"`
	VPN           bool    `json:"vpn"`
	Tor           bool    `json:"tor"`
	Relay         bool    `json:"relay"`
	Status        string  `json:"status"`
	Message       string  `json:"message"`
}

// JSONProvider fetches {baseURL}{ip} and decodes the canonical document.
type JSONProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewJSONProvider builds a provider. baseURL should end where the IP is
// appended, e.g. "https://geo.example.com/json/".
func NewJSONProvider(name, baseURL string, client *http.Client) *JSONProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONProvider{name: name, baseURL: baseURL, client: client}
}

// Name implements Provider.
func (p *JSONProvider) Name() string { return p.name }

// Lookup implements Provider.
func (p *JSONProvider) Lookup(ctx context.Context, ip string) (IPInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+ip, nil)
	if err != nil {
		return IPInfo{}, Error.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return IPInfo{}, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return IPInfo{}, Error.New("%s: unexpected status %d", p.name, resp.StatusCode)
	}
	if resp.ContentLength > maxResponseSize {
		return IPInfo{}, Error.New("%s: response size %d exceeds cap", p.name, resp.ContentLength)
	}

	// Content-Length may be absent or lie; enforce the cap while reading.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return IPInfo{}, Error.Wrap(err)
	}
	if len(body) > maxResponseSize {
		return IPInfo{}, Error.New("%s: response body exceeds %d bytes", p.name, maxResponseSize)
	}

	var doc providerDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return IPInfo{}, Error.New("%s: bad response: %v", p.name, err)
	}
	if doc.Status != "" && doc.Status != "success" {
		return IPInfo{}, Error.New("%s: lookup failed: %s", p.name, doc.Message)
	}
	return docToInfo(p.name, ip, doc), nil
}

func docToInfo(provider, ip string, doc providerDocument) IPInfo {
	info := IPInfo{
		IP:            ip,
		Country:       firstNonEmpty(doc.CountryCode, doc.Country),
		CountryName:   firstNonEmpty(doc.CountryName, doc.Country),
		Region:        firstNonEmpty(doc.RegionName, doc.Region),
		City:          doc.City,
		Continent:     doc.Continent,
		ContinentName: doc.ContinentName,
		Latitude:      doc.Latitude,
		Longitude:     doc.Longitude,
		Timezone:      doc.Timezone,
		PostalCode:    doc.Postal,
		ASN:           doc.ASN,
		ASNName:       doc.ASNName,
		ASNDomain:     doc.ASNDomain,
		IsVPN:         doc.VPN,
		IsProxy:       doc.Proxy,
		IsHosting:     doc.Hosting,
		IsTor:         doc.Tor,
		IsRelay:       doc.Relay,
		Provider:      provider,
	}
	switch strings.ToLower(doc.ASNType) {
	case "isp":
		info.ASNType = ASNTypeISP
	case "hosting", "datacenter":
		info.ASNType = ASNTypeHosting
	case "business":
		info.ASNType = ASNTypeBusiness
	case "education", "edu":
		info.ASNType = ASNTypeEducation
	}
	if info.Country != "" && len(info.Country) != 2 {
		// Some endpoints put the full name in "country"; keep only the
		// name in that case.
		info.CountryName = info.Country
		info.Country = ""
	}
	return info
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
