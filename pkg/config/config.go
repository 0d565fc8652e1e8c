// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config parses the hostname-to-backend JSON document handed to the
// proxy at startup and publishes it into a resolver manager.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
	"github.com/infinityb/yscloud-sub000/pkg/resolver"
)

// Backend describes one hostname's backends as written in the document.
type Backend struct {
	// UseHaproxyHeader selects the PROXY protocol header version written
	// toward this hostname's backends: "use-haproxy-v1", "use-haproxy-v2",
	// or "none". Empty means none.
	UseHaproxyHeader string `json:"use_haproxy_header"`

	// UseHaproxyPassthrough forwards a PROXY header captured on the inbound
	// side verbatim instead of synthesizing one.
	UseHaproxyPassthrough bool `json:"use_haproxy_passthrough"`

	// Locations are backend location strings: "unix:<path>", "dns:<name>"
	// (a hostname), "srv:<name>", "ip:port", a bare path containing "/", or
	// a bare hostname.
	Locations []string `json:"locations"`
}

// Document is the top-level configuration document.
type Document struct {
	Hostnames map[string]Backend `json:"hostnames"`

	// UpstreamDNS is the nameserver used for Hostname and SRV backend
	// locations. Empty means the system resolver.
	UpstreamDNS string `json:"upstream_dns"`
}

// Load reads and parses a document from a file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a document. Every backend must carry at least
// one parseable location and a known header version.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for hostname, backend := range doc.Hostnames {
		if len(backend.Locations) == 0 {
			return nil, fmt.Errorf("backend %q has no locations", hostname)
		}
		if _, err := headerVersion(backend.UseHaproxyHeader); err != nil {
			return nil, fmt.Errorf("backend %q: %w", hostname, err)
		}
		for _, raw := range backend.Locations {
			if _, err := resolver.ParseLocation(raw); err != nil {
				return nil, fmt.Errorf("backend %q location %q: %w", hostname, raw, err)
			}
		}
	}
	return &doc, nil
}

// Populate publishes every backend set in the document into manager,
// replacing any sets already present under the same hostnames.
func (d *Document) Populate(manager *resolver.Manager) error {
	for hostname, backend := range d.Hostnames {
		version, err := headerVersion(backend.UseHaproxyHeader)
		if err != nil {
			return fmt.Errorf("backend %q: %w", hostname, err)
		}
		locs := make([]resolver.Location, 0, len(backend.Locations))
		for _, raw := range backend.Locations {
			loc, err := resolver.ParseLocation(raw)
			if err != nil {
				return fmt.Errorf("backend %q location %q: %w", hostname, raw, err)
			}
			locs = append(locs, loc)
		}
		manager.ReplaceBackend(hostname, resolver.NewBackendSet(version, backend.UseHaproxyPassthrough, locs))
	}
	return nil
}

func headerVersion(raw string) (haproxy.Version, error) {
	if raw == "" {
		return haproxy.VersionNone, nil
	}
	return haproxy.ParseVersion(raw)
}
