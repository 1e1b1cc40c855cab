package types

import (
	"strings"
	"time"
)

// Fragment is a named, independently registered unit of routing configuration
type Fragment struct {
	Name string
	Conf []byte     // Verbatim proxy configuration text
	Map  []MapEntry // Domain to backend mapping, in file order
}

// Domains returns the distinct domains of the fragment in file order
func (f *Fragment) Domains() []string {
	seen := make(map[string]bool, len(f.Map))
	var domains []string
	for _, e := range f.Map {
		if seen[e.Domain] {
			continue
		}
		seen[e.Domain] = true
		domains = append(domains, e.Domain)
	}
	return domains
}

// MapEntry is one line of a backend map fragment
type MapEntry struct {
	Domain  string
	Backend string
}

// String renders the entry the way it is stored on disk
func (e MapEntry) String() string {
	return e.Domain + " " + e.Backend
}

// NormalizeDomain lower-cases and trims a domain name
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// IsWildcard reports whether a certificate name is a wildcard name
func IsWildcard(name string) bool {
	return strings.Contains(name, "*")
}

// CertState represents the lifecycle state of a domain certificate
type CertState string

const (
	CertStateAbsent   CertState = "absent"
	CertStatePending  CertState = "pending"
	CertStateValid    CertState = "valid"
	CertStateExpiring CertState = "expiring"
	CertStateRemoved  CertState = "removed"
)

// CertRecord is the bookkeeping kept for a domain's certificate.
// The PEM file in the certificate directory remains the durable
// representation of a valid certificate; the record carries renewal
// state and the last failure.
type CertRecord struct {
	Domain         string
	State          CertState
	Names          []string // DNS names covered by the certificate on disk
	NotAfter       time.Time
	RenewalEnabled bool
	Attempts       int // Consecutive failed attempts
	LastError      string
	UpdatedAt      time.Time
}

// Certificate is PEM encoded certificate material for a domain
type Certificate struct {
	Domain   string
	CertPEM  []byte // Leaf followed by issuer chain
	KeyPEM   []byte
	Names    []string
	NotAfter time.Time
}

// Bundle returns the certificate chain followed by the private key, the
// single-file layout HAProxy loads from its certificate directory
func (c *Certificate) Bundle() []byte {
	out := make([]byte, 0, len(c.CertPEM)+len(c.KeyPEM)+1)
	out = append(out, c.CertPEM...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, c.KeyPEM...)
	return out
}
