package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lbctl/pkg/types"
	"github.com/stretchr/testify/require"
)

// selfSigned returns a certificate for names expiring at notAfter
func selfSigned(t *testing.T, names []string, notAfter time.Time) *types.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return &types.Certificate{
		Domain:   names[0],
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		Names:    names,
		NotAfter: notAfter.Truncate(time.Second),
	}
}

// fakeIssuer issues self-signed certificates valid for 90 days
type fakeIssuer struct {
	t        *testing.T
	mu       sync.Mutex
	fail     map[string]error
	requests []string
	renewals []string
	forgets  []string
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	return &fakeIssuer{t: t, fail: make(map[string]error)}
}

func (f *fakeIssuer) Request(ctx context.Context, domain string) (*types.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, domain)
	if err := f.fail[domain]; err != nil {
		return nil, err
	}
	return selfSigned(f.t, []string{domain}, time.Now().Add(90*24*time.Hour)), nil
}

func (f *fakeIssuer) Renew(ctx context.Context, cert *types.Certificate) (*types.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, cert.Domain)
	if err := f.fail[cert.Domain]; err != nil {
		return nil, err
	}
	if len(cert.Names) == 0 {
		return nil, fmt.Errorf("no names to renew")
	}
	return selfSigned(f.t, cert.Names, time.Now().Add(90*24*time.Hour)), nil
}

func (f *fakeIssuer) Forget(ctx context.Context, cert *types.Certificate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgets = append(f.forgets, cert.Domain)
	return nil
}

func (f *fakeIssuer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests) + len(f.renewals) + len(f.forgets)
}

type staticDomains []string

func (s staticDomains) Domains() ([]string, error) {
	return s, nil
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return addrs, nil
}
