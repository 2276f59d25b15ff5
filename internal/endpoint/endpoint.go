// Package endpoint defines the data model shared by the dialer, session
// pool, and alt-service registry: Endpoint, Proxy Chain, and Session Key
// (spec §3). Hashing follows the teacher's node.Hash construction — a
// deterministic canonical encoding hashed with xxh3 — generalized from
// "node configuration fingerprint" to "session/origin fingerprint".
package endpoint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// Scheme identifies the transport used to reach an Endpoint.
type Scheme string

const (
	SchemeDirectTCP Scheme = "direct-tcp"
	SchemeTLS       Scheme = "tls"
	SchemeH2        Scheme = "h2"
	SchemeQUIC      Scheme = "quic"
)

// Endpoint is a (scheme, host, port) triple. Host is either a DNS name or a
// literal address.
type Endpoint struct {
	Scheme Scheme
	Host   string
	Port   uint16
}

// String renders "host:port" as used on the wire (e.g. CONNECT targets).
func (e Endpoint) String() string {
	return joinHostPort(e.Host, e.Port)
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(int(port))
}

// Origin is the Endpoint a client asked for, independent of scheme (used as
// the Alt-Service Registry lookup key: "origin Endpoint" in spec §4.3/§4.4).
type Origin struct {
	Host string
	Port uint16
}

func (o Origin) String() string {
	return joinHostPort(o.Host, o.Port)
}

// ProxyChain is the ordered sequence of Endpoints through which a target
// Endpoint is reached. An empty chain means direct.
type ProxyChain []Endpoint

// IsDirect reports whether the chain has no hops.
func (c ProxyChain) IsDirect() bool {
	return len(c) == 0
}

func (c ProxyChain) fingerprint() string {
	var b strings.Builder
	for i, hop := range c {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(string(hop.Scheme))
		b.WriteByte('|')
		b.WriteString(hop.Host)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(hop.Port)))
	}
	return b.String()
}

// SessionKey is (destination Endpoint, Proxy Chain, privacy-bit,
// network-anonymization-tag). Keys are value-equal and hashable; they
// partition the Session Pool (spec §3).
type SessionKey struct {
	Destination   Endpoint
	Chain         ProxyChain
	Privacy       bool
	Anonymization string
}

// Hash is a 128-bit fingerprint used as the map key backing the Session
// Pool and the Alt-Service Registry, exactly as node.Hash backs the
// teacher's node pool.
type Hash [16]byte

// Zero is the zero-value Hash.
var Zero Hash

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) IsZero() bool {
	return h == Zero
}

// ParseHex decodes a 32-character hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("endpoint.ParseHex: %w", err)
	}
	if len(b) != 16 {
		return Zero, fmt.Errorf("endpoint.ParseHex: expected 16 bytes, got %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func hashString(s string) Hash {
	h128 := xxh3.HashString128(s)
	var h Hash
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}

// Hash computes the SessionKey's fingerprint. Two keys with identical
// fields (including chain order) hash identically; this is the Session
// Pool's map key (spec §3 invariant: "a Session Key present in the Session
// Pool has at most one ready session").
func (k SessionKey) Hash() Hash {
	var b strings.Builder
	b.WriteString(string(k.Destination.Scheme))
	b.WriteByte('|')
	b.WriteString(k.Destination.Host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(k.Destination.Port)))
	b.WriteByte('#')
	b.WriteString(k.Chain.fingerprint())
	b.WriteByte('#')
	if k.Privacy {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte('#')
	b.WriteString(k.Anonymization)
	return hashString(b.String())
}

// HashOrigin computes the Alt-Service Registry's lookup fingerprint for an
// Origin (spec §4.4: "lookup by origin").
func HashOrigin(o Origin) Hash {
	return hashString(o.String())
}
