// Package eid parses and formats Bundle Protocol endpoint identifiers and
// implements the CBHE ("ipn") numeric scheme.
package eid

import (
	"fmt"
	"strconv"
	"strings"
)

// Size limits from the primary-block wire format: scheme name <= 15 bytes,
// NSS <= 63 bytes, joined by a single ':', for a total of 79 bytes.
const (
	MaxSchemeLen = 15
	MaxNSSLen    = 63
	MaxEIDLen    = MaxSchemeLen + 1 + MaxNSSLen
)

// CBHENodeNumberCeiling bounds the "ipn" scheme's node number. The header
// this engine is modeled on hardcodes 2^24-1 as an artifact of a legacy
// encoding; later BP revisions lift it, so it is a variable an operator can
// raise at process start rather than a compile-time constant (spec Open
// Question (c)).
var CBHENodeNumberCeiling uint64 = 16_777_215

// MaxServiceNumber bounds the "ipn" scheme's service number (15-bit field).
const MaxServiceNumber uint64 = 32_767

// NullEID is the administrative null endpoint.
const NullEID = "dtn:none"

// EID is a parsed scheme:nss endpoint identifier.
type EID struct {
	Scheme string
	NSS    string
}

// String renders the EID in scheme:nss form.
func (e EID) String() string {
	return e.Scheme + ":" + e.NSS
}

// IsNull reports whether e is the administrative null endpoint.
func (e EID) IsNull() bool {
	return e.Scheme == "dtn" && e.NSS == "none"
}

// Parse validates and splits a textual EID into scheme and NSS.
func Parse(s string) (EID, error) {
	if len(s) == 0 {
		return EID{}, fmt.Errorf("eid: empty")
	}
	if len(s) > MaxEIDLen {
		return EID{}, fmt.Errorf("eid: %q exceeds %d bytes", s, MaxEIDLen)
	}
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return EID{}, fmt.Errorf("eid: %q missing scheme:nss separator", s)
	}
	scheme, nss := s[:idx], s[idx+1:]
	if len(scheme) > MaxSchemeLen {
		return EID{}, fmt.Errorf("eid: scheme %q exceeds %d bytes", scheme, MaxSchemeLen)
	}
	if len(nss) > MaxNSSLen {
		return EID{}, fmt.Errorf("eid: nss %q exceeds %d bytes", nss, MaxNSSLen)
	}
	return EID{Scheme: scheme, NSS: nss}, nil
}

// MustParse is Parse but panics on error; used for compile-time-known EIDs
// in tests and defaults.
func MustParse(s string) EID {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// CBHE is the decoded form of an "ipn" scheme NSS: "<nodeNbr>.<serviceNbr>".
type CBHE struct {
	NodeNumber    uint64
	ServiceNumber uint64
}

// ParseCBHE decodes an "ipn" scheme EID's NSS into node and service numbers.
func ParseCBHE(e EID) (CBHE, error) {
	if e.Scheme != "ipn" {
		return CBHE{}, fmt.Errorf("eid: scheme %q is not ipn", e.Scheme)
	}
	dot := strings.IndexByte(e.NSS, '.')
	if dot < 0 {
		return CBHE{}, fmt.Errorf("eid: ipn nss %q missing '.'", e.NSS)
	}
	node, err := strconv.ParseUint(e.NSS[:dot], 10, 64)
	if err != nil {
		return CBHE{}, fmt.Errorf("eid: ipn node number: %w", err)
	}
	svc, err := strconv.ParseUint(e.NSS[dot+1:], 10, 64)
	if err != nil {
		return CBHE{}, fmt.Errorf("eid: ipn service number: %w", err)
	}
	if node > CBHENodeNumberCeiling {
		return CBHE{}, fmt.Errorf("eid: ipn node number %d exceeds ceiling %d", node, CBHENodeNumberCeiling)
	}
	if svc > MaxServiceNumber {
		return CBHE{}, fmt.Errorf("eid: ipn service number %d exceeds ceiling %d", svc, MaxServiceNumber)
	}
	return CBHE{NodeNumber: node, ServiceNumber: svc}, nil
}

// FormatCBHE renders a node/service pair as an "ipn" scheme EID.
func FormatCBHE(node, service uint64) EID {
	return EID{Scheme: "ipn", NSS: fmt.Sprintf("%d.%d", node, service)}
}

// SchemeName parses a full EID string and returns its scheme name
// component; used by forwardBundle's scheme dispatch.
func SchemeName(s string) (string, error) {
	e, err := Parse(s)
	if err != nil {
		return "", err
	}
	return e.Scheme, nil
}
