package altsvc

import (
	"strconv"
	"strings"
	"time"

	"github.com/resinat/tunnelcore/internal/endpoint"
)

// defaultMaxAge applies when an advertisement carries no ma= parameter.
const defaultMaxAge = 24 * time.Hour

// ParseHeader parses a raw Alt-Svc response header value (spec §6:
// "<proto>=\":<port>\"[; v=\"<versions>\"][; p=\"<probability>\"][, <proto>=...]",
// protocols recognized: h2, quic) into the services advertised for origin,
// their shared expiration, and the advertised-versions set. Unrecognized
// protocols are skipped. A header of "clear" or one with no recognized
// protocol yields ok=false; the caller decides whether that should clear a
// prior advertisement.
func ParseHeader(origin endpoint.Origin, header string) (services []AdvertisedService, expiration time.Time, versions []string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, "clear") {
		return nil, time.Time{}, nil, false
	}

	maxAge := defaultMaxAge
	versionSet := map[string]struct{}{}

	// Split entries on commas outside double quotes, so that a quoted
	// v="46,43" list stays inside its own entry.
	var entries []string
	inQuote, start := false, 0
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				entries = append(entries, header[start:i])
				start = i + 1
			}
		}
	}
	entries = append(entries, header[start:])

	for _, entry := range entries {
		parts := strings.Split(entry, ";")
		scheme, tag, port, protoOK := parseProtoPort(parts[0])
		if !protoOK {
			continue
		}
		// Every advertised protocol is itself a usable "version" tag even
		// when the entry carries no explicit v= param (race.Config's
		// LocalVersions compares against protocol tags like "h3", not raw
		// QUIC draft integers), so a bare "quic=\":443\"" advertisement is
		// still races-usable against a process configured with LocalVersions
		// []string{"h3"}.
		versionSet[tag] = struct{}{}

		for _, param := range parts[1:] {
			key, val, paramOK := parseParam(param)
			if !paramOK {
				continue
			}
			switch key {
			case "ma":
				if secs, err := strconv.Atoi(val); err == nil {
					maxAge = time.Duration(secs) * time.Second
				}
			case "v":
				for _, v := range strings.Split(val, ",") {
					if v = strings.TrimSpace(v); v != "" {
						versionSet[v] = struct{}{}
					}
				}
			}
		}

		services = append(services, AdvertisedService{
			Target:      endpoint.Endpoint{Scheme: scheme, Host: origin.Host, Port: port},
			ProtocolTag: tag,
		})
	}

	if len(services) == 0 {
		return nil, time.Time{}, nil, false
	}

	versionList := make([]string, 0, len(versionSet))
	for v := range versionSet {
		versionList = append(versionList, v)
	}
	return services, time.Now().Add(maxAge), versionList, true
}

// parseProtoPort reads the "<proto>=\":<port>\"" head of one Alt-Svc entry.
// Only the port is kept: the advertisement is always scoped to the
// requesting origin's own host.
func parseProtoPort(s string) (scheme endpoint.Scheme, tag string, port uint16, ok bool) {
	s = strings.TrimSpace(s)
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return "", "", 0, false
	}

	switch strings.ToLower(strings.TrimSpace(s[:eq])) {
	case "h2":
		scheme, tag = endpoint.SchemeH2, "h2"
	case "quic":
		scheme, tag = endpoint.SchemeQUIC, "h3"
	default:
		return "", "", 0, false
	}

	val := strings.Trim(strings.TrimSpace(s[eq+1:]), `"`)
	idx := strings.LastIndexByte(val, ':')
	if idx < 0 {
		return "", "", 0, false
	}
	p, err := strconv.ParseUint(val[idx+1:], 10, 16)
	if err != nil {
		return "", "", 0, false
	}
	return scheme, tag, uint16(p), true
}

func parseParam(s string) (key, value string, ok bool) {
	s = strings.TrimSpace(s)
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(s[:eq]))
	value = strings.Trim(strings.TrimSpace(s[eq+1:]), `"`)
	return key, value, true
}
