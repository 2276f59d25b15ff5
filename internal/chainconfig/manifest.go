// Package chainconfig loads the Proxy Chain manifest that feeds the
// dialer's chain table (SPEC_FULL.md "chainconfig"): a YAML file mapping
// destination match patterns onto the Proxy Chain (direct, single-hop, or
// multi-hop) used to reach them, hot-reloaded from disk via fsnotify and
// optionally re-synced from a remote URL on a cron schedule.
//
// Grounded on internal/subscription/subscription.go's fetch/parse/hot-swap
// shape, generalized from "VPN node subscription" to "proxy chain
// manifest": a ManagedNodes-style atomic snapshot swap, but carrying
// dialer.ChainHop lists instead of node definitions.
package chainconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
)

// HopSpec is one manifest hop: the endpoint to reach and the outbound
// options (sing-box style raw JSON, expressed as a YAML mapping on disk)
// needed to build it.
type HopSpec struct {
	Scheme  string         `yaml:"scheme"`
	Host    string         `yaml:"host"`
	Port    uint16         `yaml:"port"`
	Options map[string]any `yaml:"options,omitempty"`
}

func (h HopSpec) toChainHop() (dialer.ChainHop, error) {
	var raw json.RawMessage
	if len(h.Options) > 0 {
		b, err := json.Marshal(h.Options)
		if err != nil {
			return dialer.ChainHop{}, fmt.Errorf("encode hop options for %s:%d: %w", h.Host, h.Port, err)
		}
		raw = b
	}
	return dialer.ChainHop{
		Endpoint: endpoint.Endpoint{Scheme: endpoint.Scheme(h.Scheme), Host: h.Host, Port: h.Port},
		Options:  raw,
	}, nil
}

// Policy binds a destination-host glob pattern (path.Match syntax, e.g.
// "*.internal.example.com" or "*" for the catch-all default) to the Proxy
// Chain used for matching destinations. An empty Chain means direct.
type Policy struct {
	Match string    `yaml:"match"`
	Chain []HopSpec `yaml:"chain"`
}

// Manifest is the parsed proxy-chain manifest (spec §3 "Proxy Chain",
// lifted to a file format): an ordered list of policies, evaluated
// first-match-wins, plus a QUIC host allowlist. The allowlist is parsed
// only: nothing copies it into RuntimeConfig or checks it when dialing.
type Manifest struct {
	Policies          []Policy `yaml:"policies"`
	QUICHostAllowlist []string `yaml:"quic_host_allowlist,omitempty"`
}

// ParseManifest decodes a YAML manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("chainconfig: parse manifest: %w", err)
	}
	for i, p := range m.Policies {
		if p.Match == "" {
			return nil, fmt.Errorf("chainconfig: policy %d missing match pattern", i)
		}
	}
	return &m, nil
}

// LoadManifestFile reads and parses a manifest from disk.
func LoadManifestFile(pathOnDisk string) (*Manifest, error) {
	data, err := os.ReadFile(pathOnDisk)
	if err != nil {
		return nil, fmt.Errorf("chainconfig: read %s: %w", pathOnDisk, err)
	}
	return ParseManifest(data)
}

// Resolve finds the first policy whose match pattern matches target's host
// and returns its Proxy Chain. Returns (nil, false) if nothing matches,
// which callers treat as a direct connection per spec §3 ("An empty chain
// means direct").
func (m *Manifest) Resolve(target endpoint.Endpoint) ([]dialer.ChainHop, bool) {
	if m == nil {
		return nil, false
	}
	for _, p := range m.Policies {
		ok, err := path.Match(p.Match, target.Host)
		if err != nil || !ok {
			continue
		}
		if len(p.Chain) == 0 {
			return nil, true
		}
		hops := make([]dialer.ChainHop, 0, len(p.Chain))
		for _, h := range p.Chain {
			hop, err := h.toChainHop()
			if err != nil {
				return nil, false
			}
			hops = append(hops, hop)
		}
		return hops, true
	}
	return nil, false
}
