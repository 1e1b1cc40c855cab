package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cuemby/lbctl/pkg/certs"
	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/cuemby/lbctl/pkg/types"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"
)

// AccountStore persists the ACME account between runs
type AccountStore interface {
	PutAccount(acc *storage.Account) error
	GetAccount(caDirectory, email string) (*storage.Account, error)
}

// Issuer obtains certificates from an ACME CA over HTTP-01. The CA is only
// contacted when a certificate is actually requested, renewed or revoked.
type Issuer struct {
	cfg           config.ACMEConfig
	accounts      AccountStore
	keyType       certcrypto.KeyType
	clientFactory clientFactory
	accountKey    func() (crypto.PrivateKey, error)
	logger        zerolog.Logger

	mu     sync.Mutex
	client acmeClient
}

// NewIssuer creates an issuer from configuration
func NewIssuer(cfg config.ACMEConfig, accounts AccountStore) (*Issuer, error) {
	if strings.TrimSpace(cfg.Email) == "" {
		return nil, errors.New("acme email is required")
	}
	keyType, err := ParseKeyType(cfg.KeyType)
	if err != nil {
		return nil, err
	}
	if _, _, err := splitAddress(cfg.HTTP01Address); err != nil {
		return nil, err
	}

	return &Issuer{
		cfg:           cfg,
		accounts:      accounts,
		keyType:       keyType,
		clientFactory: defaultClientFactory,
		accountKey: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		logger: log.WithComponent("acme"),
	}, nil
}

// ParseKeyType maps a configured key type to lego's
func ParseKeyType(s string) (certcrypto.KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "RSA2048":
		return certcrypto.RSA2048, nil
	case "RSA3072":
		return certcrypto.RSA3072, nil
	case "RSA4096":
		return certcrypto.RSA4096, nil
	case "EC256", "P256":
		return certcrypto.EC256, nil
	case "EC384", "P384":
		return certcrypto.EC384, nil
	default:
		return "", fmt.Errorf("unsupported key type %q", s)
	}
}

// Request obtains a certificate for domain
func (i *Issuer) Request(ctx context.Context, domain string) (*types.Certificate, error) {
	return i.obtain(ctx, domain, []string{domain})
}

// Renew obtains a fresh certificate for the names of cert
func (i *Issuer) Renew(ctx context.Context, cert *types.Certificate) (*types.Certificate, error) {
	names := cert.Names
	if len(names) == 0 {
		names = []string{cert.Domain}
	}
	return i.obtain(ctx, cert.Domain, names)
}

// Forget revokes cert when revoke_on_remove is set. Otherwise the CA has
// nothing to do; renewal bookkeeping is dropped by the caller.
func (i *Issuer) Forget(ctx context.Context, cert *types.Certificate) error {
	if !i.cfg.RevokeOnRemove {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := i.getClient()
	if err != nil {
		return err
	}
	if err := client.Revoke(cert.CertPEM); err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	i.logger.Info().Str("domain", cert.Domain).Msg("Certificate revoked")
	return nil
}

func (i *Issuer) obtain(ctx context.Context, domain string, names []string) (*types.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := i.getClient()
	if err != nil {
		return nil, err
	}

	i.logger.Info().Strs("names", names).Msg("Requesting certificate")

	res, err := client.Obtain(certificate.ObtainRequest{
		Domains: names,
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain certificate: %w", err)
	}
	if len(res.Certificate) == 0 || len(res.PrivateKey) == 0 {
		return nil, errors.New("empty certificate or private key received from ACME server")
	}

	// Read names and expiry from what the CA actually issued
	parsed, err := certs.ParseBundle(res.Certificate)
	if err != nil {
		return nil, err
	}

	return &types.Certificate{
		Domain:   domain,
		CertPEM:  res.Certificate,
		KeyPEM:   res.PrivateKey,
		Names:    parsed.Names,
		NotAfter: parsed.NotAfter,
	}, nil
}

// getClient creates the ACME client and account on first use
func (i *Issuer) getClient() (acmeClient, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client != nil {
		return i.client, nil
	}

	caDir := i.cfg.CADirectory()
	user, stored, err := i.loadUser(caDir)
	if err != nil {
		return nil, err
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = caDir
	legoCfg.Certificate.KeyType = i.keyType

	client, err := i.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	host, port, _ := splitAddress(i.cfg.HTTP01Address)
	if err := client.SetHTTP01Provider(http01.NewProviderServer(host, port)); err != nil {
		return nil, fmt.Errorf("failed to configure http-01 provider: %w", err)
	}

	if !stored {
		reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register account: %w", err)
		}
		user.registration = reg
		if err := i.saveUser(caDir, user); err != nil {
			return nil, err
		}
		i.logger.Info().Str("email", user.email).Str("ca", caDir).Msg("ACME account registered")
	}

	i.client = client
	return client, nil
}

// loadUser returns the stored account for caDir, or a new unregistered one
func (i *Issuer) loadUser(caDir string) (*accountUser, bool, error) {
	acc, err := i.accounts.GetAccount(caDir, i.cfg.Email)
	switch {
	case err == nil:
		key, err := certcrypto.ParsePEMPrivateKey(acc.KeyPEM)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse account key: %w", err)
		}
		var reg registration.Resource
		if err := json.Unmarshal(acc.Registration, &reg); err != nil {
			return nil, false, fmt.Errorf("failed to decode account registration: %w", err)
		}
		return &accountUser{email: acc.Email, key: key, registration: &reg}, true, nil

	case errors.Is(err, storage.ErrNotFound):
		key, err := i.accountKey()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate account key: %w", err)
		}
		return &accountUser{email: i.cfg.Email, key: key}, false, nil

	default:
		return nil, false, fmt.Errorf("failed to load acme account: %w", err)
	}
}

func (i *Issuer) saveUser(caDir string, user *accountUser) error {
	reg, err := json.Marshal(user.registration)
	if err != nil {
		return fmt.Errorf("failed to encode account registration: %w", err)
	}
	err = i.accounts.PutAccount(&storage.Account{
		Email:        user.email,
		KeyPEM:       certcrypto.PEMEncode(user.key),
		Registration: reg,
		CADirectory:  caDir,
	})
	if err != nil {
		return fmt.Errorf("failed to save acme account: %w", err)
	}
	return nil
}

func splitAddress(addr string) (string, string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", "80", nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid http-01 address %q: %w", addr, err)
	}
	if port == "" {
		port = "80"
	}
	return host, port, nil
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
	Revoke(cert []byte) error
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

func (l *legoClientAdapter) Revoke(cert []byte) error {
	return l.client.Certificate.Revoke(cert)
}

// accountUser implements registration.User
type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
