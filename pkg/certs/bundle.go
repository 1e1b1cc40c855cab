package certs

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/types"
)

// BundleExt is the file extension of certificate bundles
const BundleExt = ".pem"

// ErrNoCertificate is returned for PEM data without a certificate block
var ErrNoCertificate = errors.New("no certificate in PEM data")

// ParseBundle splits a PEM bundle into its certificate chain and private
// key and reads the names and expiry of the leaf (the first certificate).
func ParseBundle(data []byte) (*types.Certificate, error) {
	var certPEM, keyPEM bytes.Buffer
	var leaf *x509.Certificate

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			if leaf == nil {
				c, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				leaf = c
			}
			_ = pem.Encode(&certPEM, block)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			_ = pem.Encode(&keyPEM, block)
		}
	}
	if leaf == nil {
		return nil, ErrNoCertificate
	}

	names := Names(leaf)
	domain := ""
	if len(names) > 0 {
		domain = names[0]
	}

	return &types.Certificate{
		Domain:   domain,
		CertPEM:  certPEM.Bytes(),
		KeyPEM:   keyPEM.Bytes(),
		Names:    names,
		NotAfter: leaf.NotAfter,
	}, nil
}

// Names returns the lower-cased DNS names a certificate covers: its SANs,
// plus the subject common name when it is not among them.
func Names(cert *x509.Certificate) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		name = types.NormalizeDomain(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	add(cert.Subject.CommonName)
	for _, name := range cert.DNSNames {
		add(name)
	}
	return names
}

// NeedsRenewal reports whether a certificate expiring at notAfter is
// within renewBefore of now
func NeedsRenewal(notAfter, now time.Time, renewBefore time.Duration) bool {
	return notAfter.Sub(now) < renewBefore
}

// BundlePath returns the bundle file of a domain
func BundlePath(dir, domain string) string {
	return filepath.Join(dir, domain+BundleExt)
}

// WriteBundle installs the certificate of cert.Domain in dir. The file is
// written under a hidden temporary name and renamed into place.
func WriteBundle(dir string, cert *types.Certificate) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create certificate directory: %w", err)
	}

	target := BundlePath(dir, cert.Domain)
	f, err := os.CreateTemp(dir, "."+cert.Domain+BundleExt+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmp := f.Name()

	// CreateTemp creates the file with mode 0600
	if _, err := f.Write(cert.Bundle()); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync certificate: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close certificate: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to install certificate: %w", err)
	}
	return target, nil
}

// ValidHostname reports whether domain can be issued over HTTP-01 and used
// as a bundle file name
func ValidHostname(domain string) bool {
	if domain == "" || len(domain) > 253 || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}
	return true
}
