// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package learning

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"strings"

	"github.com/tomtom215/gatewatch/internal/weights"
)

// Signature is one normalized, learnable request trait.
type Signature struct {
	Type  weights.SignatureType
	Value string
}

// DeriveSignatures expands one event's metadata into the generalized
// signatures the weight store learns against. A single labeled event teaches
// several keyspaces at once, so one confirmed bot updates the user-agent
// family, the network neighborhood, and the path shape together.
func DeriveSignatures(metadata map[string]string) []Signature {
	var sigs []Signature

	ua := UserAgentPattern(metadata[MetaUserAgent])
	if ua != "" {
		sigs = append(sigs, Signature{Type: weights.SignatureUserAgent, Value: ua})
	}

	cidr := CIDRBucket(metadata[MetaClientIP])
	if cidr != "" {
		sigs = append(sigs, Signature{Type: weights.SignatureIPRange, Value: cidr})
	}

	path := PathPattern(metadata[MetaPath])
	if path != "" {
		sigs = append(sigs, Signature{Type: weights.SignaturePath, Value: path})
	}

	behavior := BehaviorHash(metadata[MetaMethod], path, metadata[MetaBand])
	sigs = append(sigs, Signature{Type: weights.SignatureBehavior, Value: behavior})

	sigs = append(sigs, Signature{Type: weights.SignatureCombined, Value: CombinedHash(ua, cidr, path)})

	return sigs
}

// UserAgentPattern normalizes a user agent into a version-insensitive family
// key: lowercased, digit runs collapsed to '#'. "Mozilla/5.0" and
// "Mozilla/6.1" land on the same pattern.
func UserAgentPattern(ua string) string {
	ua = strings.TrimSpace(strings.ToLower(ua))
	if ua == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(ua))
	inDigits := false
	for _, r := range ua {
		if r >= '0' && r <= '9' {
			if !inDigits {
				b.WriteByte('#')
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}

// CIDRBucket maps a client address onto its network neighborhood: /24 for
// IPv4, /48 for IPv6. Unparseable input yields "".
func CIDRBucket(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return ""
	}

	bits := 24
	if ip.Is6() && !ip.Is4In6() {
		bits = 48
	}

	prefix, err := ip.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// PathPattern normalizes a request path: numeric segments become {n},
// hex/uuid-looking segments become {id}. "/api/users/12345/orders" and
// "/api/users/67890/orders" share a pattern.
func PathPattern(path string) string {
	if path == "" {
		return ""
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case isNumeric(seg):
			segments[i] = "{n}"
		case isOpaqueID(seg):
			segments[i] = "{id}"
		default:
			segments[i] = strings.ToLower(seg)
		}
	}
	return strings.Join(segments, "/")
}

// BehaviorHash condenses the request's behavioral shape into one key.
func BehaviorHash(method, pathPattern, band string) string {
	return fnvHex(method, pathPattern, band)
}

// CombinedHash binds the individual traits into a single joint signature, so
// the store can learn that a particular UA family from a particular network
// on a particular path shape is distinct from any trait alone.
func CombinedHash(uaPattern, cidr, pathPattern string) string {
	return fnvHex(uaPattern, cidr, pathPattern)
}

func fnvHex(parts ...string) string {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// isOpaqueID reports whether a segment looks like a hex or uuid identifier:
// at least 8 runes, all hex digits or dashes, containing at least one digit.
func isOpaqueID(s string) bool {
	if len(s) < 8 {
		return false
	}
	hasDigit := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return hasDigit
}
