package certs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/lock"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/cuemby/lbctl/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// LockFileName is the certificate manager lock inside the state directory
const LockFileName = "certs.lock"

// ErrAlreadyRunning is returned when another reconcile holds the lock
var ErrAlreadyRunning = errors.New("certificate reconcile already running")

// Issuer obtains and disposes of certificates at a CA
type Issuer interface {
	// Request obtains a new certificate for domain
	Request(ctx context.Context, domain string) (*types.Certificate, error)

	// Renew obtains a replacement for cert covering the same names
	Renew(ctx context.Context, cert *types.Certificate) (*types.Certificate, error)

	// Forget tells the CA side the certificate is no longer used
	Forget(ctx context.Context, cert *types.Certificate) error
}

// DomainSource provides the set of domains that need certificates
type DomainSource interface {
	Domains() ([]string, error)
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// RecordStore persists certificate bookkeeping
type RecordStore interface {
	PutCertRecord(rec *types.CertRecord) error
	GetCertRecord(domain string) (*types.CertRecord, error)
	ListCertRecords() ([]*types.CertRecord, error)
}

// Options configures a Manager
type Options struct {
	CertsDir    string
	StateDir    string
	RenewBefore time.Duration

	// ServerIP, when set, gates requests on the domain resolving to it
	ServerIP string
	Resolver Resolver

	// Limiter, when set, paces requests and renewals at the CA
	Limiter *rate.Limiter

	// Now returns the current time (default time.Now)
	Now func() time.Time
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg *config.Config, resolver Resolver) Options {
	opts := Options{
		CertsDir:    cfg.Paths.CertsDir,
		StateDir:    cfg.Paths.StateDir,
		RenewBefore: cfg.ACME.RenewBefore,
		ServerIP:    cfg.ACME.ServerIP,
		Resolver:    resolver,
	}
	if n := cfg.ACME.RequestsPerHour; n > 0 {
		opts.Limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), n)
	}
	return opts
}

// Report summarizes a reconcile run
type Report struct {
	Requested []string
	Renewed   []string
	Removed   []string
	Unchanged []string
	Skipped   map[string]string // Domain to reason
	Failed    map[string]error
	Duration  time.Duration
}

func newReport() *Report {
	return &Report{
		Skipped: make(map[string]string),
		Failed:  make(map[string]error),
	}
}

// Err joins the per-domain failures in domain order
func (r *Report) Err() error {
	domains := make([]string, 0, len(r.Failed))
	for d := range r.Failed {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	errs := make([]error, 0, len(domains))
	for _, d := range domains {
		errs = append(errs, fmt.Errorf("%s: %w", d, r.Failed[d]))
	}
	return errors.Join(errs...)
}

// diskCert is a bundle found in the certificate directory
type diskCert struct {
	path string
	cert *types.Certificate
}

func (d *diskCert) wildcard() bool {
	for _, name := range d.cert.Names {
		if types.IsWildcard(name) {
			return true
		}
	}
	return false
}

// Manager owns the certificate lifecycle of every mapped domain
type Manager struct {
	domains DomainSource
	issuer  Issuer
	records RecordStore
	opts    Options
	logger  zerolog.Logger
}

// NewManager creates a certificate manager
func NewManager(domains DomainSource, issuer Issuer, records RecordStore, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = config.DefaultRenewBefore
	}
	return &Manager{
		domains: domains,
		issuer:  issuer,
		records: records,
		opts:    opts,
		logger:  log.WithComponent("certs"),
	}
}

// Reconcile brings the certificate directory in line with the domain set:
// missing certificates are requested, expiring ones renewed and unused
// ones removed. Domains are processed independently; the returned error
// joins the failures after every domain was attempted. Overlapping runs
// return ErrAlreadyRunning.
func (m *Manager) Reconcile(ctx context.Context) (*Report, error) {
	l, err := lock.TryAcquire(filepath.Join(m.opts.StateDir, LockFileName))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return nil, fmt.Errorf("failed to acquire certificate lock: %w", err)
	}
	defer l.Release()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	domains, err := m.domains.Domains()
	if err != nil {
		return nil, fmt.Errorf("failed to read domains: %w", err)
	}
	present, err := m.scan()
	if err != nil {
		return nil, err
	}

	report := newReport()
	active := make(map[string]bool, len(domains))
	for _, d := range domains {
		active[d] = true
	}

	// Index certificates by every name they cover
	covering := make(map[string]*diskCert)
	for _, dc := range present {
		for _, name := range dc.cert.Names {
			if _, taken := covering[name]; !taken || dc.cert.Domain == name {
				covering[name] = dc
			}
		}
	}

	m.logger.Info().
		Int("domains", len(domains)).
		Int("certificates", len(present)).
		Msg("Reconciling certificates")

	renewed := make(map[string]bool)
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dc, ok := covering[domain]
		if !ok {
			dc, ok = coveringWildcard(covering, domain)
		}
		if !ok && types.IsWildcard(domain) {
			report.Skipped[domain] = "wildcard domains are not issued over HTTP-01"
			continue
		}

		switch {
		case !ok:
			m.request(ctx, domain, report)
		case !NeedsRenewal(dc.cert.NotAfter, m.opts.Now(), m.opts.RenewBefore):
			report.Unchanged = append(report.Unchanged, domain)
			m.recordValid(domain, dc.cert)
		case dc.wildcard():
			report.Skipped[domain] = "expiring wildcard certificate is not managed"
		case renewed[dc.path]:
			// Already renewed for another of its names
		default:
			renewed[dc.path] = true
			m.renew(ctx, dc, active, report)
		}
	}

	for _, dc := range present {
		if dc.wildcard() || intersects(dc.cert.Names, active) {
			continue
		}
		m.remove(ctx, dc, report)
	}

	report.Duration = timer.Duration()
	m.updateGauges()

	m.logger.Info().
		Int("requested", len(report.Requested)).
		Int("renewed", len(report.Renewed)).
		Int("removed", len(report.Removed)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Certificate reconcile complete")

	return report, report.Err()
}

func (m *Manager) request(ctx context.Context, domain string, report *Report) {
	logger := log.WithDomain(domain)

	if !ValidHostname(domain) {
		report.Skipped[domain] = "not a valid host name"
		logger.Warn().Msg("Skipping certificate request for invalid host name")
		return
	}

	if reason := m.checkDNS(ctx, domain); reason != "" {
		report.Skipped[domain] = reason
		logger.Warn().Str("reason", reason).Msg("Skipping certificate request, will retry next run")
		m.recordFailure(domain, types.CertStatePending, errors.New(reason), false)
		return
	}

	if !m.wait(ctx, domain, report) {
		return
	}

	cert, err := m.issuer.Request(ctx, domain)
	if err == nil {
		cert.Domain = domain
		_, err = WriteBundle(m.opts.CertsDir, cert)
	}
	metrics.CertOpsTotal.WithLabelValues("request", metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Msg("Certificate request failed")
		report.Failed[domain] = fmt.Errorf("failed to request certificate: %w", err)
		m.recordFailure(domain, types.CertStatePending, err, true)
		return
	}

	logger.Info().Time("not_after", cert.NotAfter).Msg("Certificate issued")
	report.Requested = append(report.Requested, domain)
	m.recordValid(domain, cert)
}

func (m *Manager) renew(ctx context.Context, dc *diskCert, active map[string]bool, report *Report) {
	domain := dc.cert.Domain
	logger := log.WithDomain(domain)

	// Only names still mapped are carried over
	var names []string
	for _, name := range dc.cert.Names {
		if active[name] {
			names = append(names, name)
		}
	}
	current := *dc.cert
	current.Names = names

	if !m.wait(ctx, domain, report) {
		return
	}

	cert, err := m.issuer.Renew(ctx, &current)
	if err == nil {
		cert.Domain = domain
		_, err = WriteBundle(m.opts.CertsDir, cert)
	}
	metrics.CertOpsTotal.WithLabelValues("renew", metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Time("not_after", dc.cert.NotAfter).Msg("Certificate renewal failed")
		report.Failed[domain] = fmt.Errorf("failed to renew certificate: %w", err)
		m.recordFailure(domain, types.CertStateExpiring, err, true)
		return
	}

	logger.Info().Time("not_after", cert.NotAfter).Msg("Certificate renewed")
	report.Renewed = append(report.Renewed, domain)
	m.recordValid(domain, cert)
}

func (m *Manager) remove(ctx context.Context, dc *diskCert, report *Report) {
	domain := dc.cert.Domain
	logger := log.WithDomain(domain)

	err := os.Remove(dc.path)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	if err == nil {
		if ferr := m.issuer.Forget(ctx, dc.cert); ferr != nil {
			// The file is gone; a failed revoke is reported but not retried
			logger.Warn().Err(ferr).Msg("Failed to forget certificate at the CA")
		}
	}
	metrics.CertOpsTotal.WithLabelValues("remove", metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to remove certificate")
		report.Failed[domain] = fmt.Errorf("failed to remove certificate: %w", err)
		return
	}

	logger.Info().Strs("names", dc.cert.Names).Msg("Removed unused certificate")
	report.Removed = append(report.Removed, domain)

	rec := m.record(domain)
	rec.State = types.CertStateRemoved
	rec.RenewalEnabled = false
	rec.Names = dc.cert.Names
	rec.NotAfter = dc.cert.NotAfter
	rec.LastError = ""
	rec.Attempts = 0
	m.putRecord(rec)
}

// coveringWildcard finds a wildcard certificate for the parent of domain.
// A wildcard name matches exactly one label.
func coveringWildcard(covering map[string]*diskCert, domain string) (*diskCert, bool) {
	i := strings.IndexByte(domain, '.')
	if i <= 0 || types.IsWildcard(domain) {
		return nil, false
	}
	dc, ok := covering["*"+domain[i:]]
	return dc, ok
}

// wait blocks until the limiter admits another CA call. A domain that
// cannot be admitted before ctx ends is skipped until the next run.
func (m *Manager) wait(ctx context.Context, domain string, report *Report) bool {
	if m.opts.Limiter == nil {
		return true
	}
	if err := m.opts.Limiter.Wait(ctx); err != nil {
		report.Skipped[domain] = "request rate limit reached"
		logger := log.WithDomain(domain)
		logger.Warn().Err(err).Msg("Deferring certificate operation to the next run")
		return false
	}
	return true
}

// checkDNS returns a reason to skip domain, or "" when it may be requested
func (m *Manager) checkDNS(ctx context.Context, domain string) string {
	if m.opts.ServerIP == "" || m.opts.Resolver == nil {
		return ""
	}
	addrs, err := m.opts.Resolver.LookupHost(ctx, domain)
	if err != nil {
		return fmt.Sprintf("lookup failed: %v", err)
	}
	for _, addr := range addrs {
		if addr == m.opts.ServerIP {
			return ""
		}
	}
	return fmt.Sprintf("resolves to %s, not %s", strings.Join(addrs, ","), m.opts.ServerIP)
}

// scan reads every bundle in the certificate directory. Files that do not
// parse are left alone.
func (m *Manager) scan() ([]*diskCert, error) {
	entries, err := os.ReadDir(m.opts.CertsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	var present []*diskCert
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, BundleExt) {
			continue
		}
		path := filepath.Join(m.opts.CertsDir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cert, err := ParseBundle(data)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable certificate file")
			continue
		}
		cert.Domain = types.NormalizeDomain(strings.TrimSuffix(name, BundleExt))
		present = append(present, &diskCert{path: path, cert: cert})
	}
	return present, nil
}

// Status returns the certificate records sorted by domain
func (m *Manager) Status() ([]*types.CertRecord, error) {
	records, err := m.records.ListCertRecords()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Domain < records[j].Domain })
	return records, nil
}

func (m *Manager) record(domain string) *types.CertRecord {
	rec, err := m.records.GetCertRecord(domain)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to load certificate record")
		}
		return &types.CertRecord{Domain: domain, State: types.CertStateAbsent}
	}
	return rec
}

func (m *Manager) recordValid(domain string, cert *types.Certificate) {
	rec := m.record(domain)
	rec.State = types.CertStateValid
	if NeedsRenewal(cert.NotAfter, m.opts.Now(), m.opts.RenewBefore) {
		rec.State = types.CertStateExpiring
	}
	rec.Names = cert.Names
	rec.NotAfter = cert.NotAfter
	rec.RenewalEnabled = true
	rec.Attempts = 0
	rec.LastError = ""
	m.putRecord(rec)
}

func (m *Manager) recordFailure(domain string, state types.CertState, err error, attempted bool) {
	rec := m.record(domain)
	rec.State = state
	rec.RenewalEnabled = true
	rec.LastError = err.Error()
	if attempted {
		rec.Attempts++
	}
	m.putRecord(rec)
}

func (m *Manager) putRecord(rec *types.CertRecord) {
	rec.UpdatedAt = m.opts.Now()
	if err := m.records.PutCertRecord(rec); err != nil {
		m.logger.Warn().Err(err).Str("domain", rec.Domain).Msg("Failed to save certificate record")
	}
}

func (m *Manager) updateGauges() {
	records, err := m.records.ListCertRecords()
	if err != nil {
		return
	}
	counts := make(map[types.CertState]int)
	for _, rec := range records {
		counts[rec.State]++
	}
	for _, state := range []types.CertState{
		types.CertStateAbsent,
		types.CertStatePending,
		types.CertStateValid,
		types.CertStateExpiring,
		types.CertStateRemoved,
	} {
		metrics.CertificatesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func intersects(names []string, set map[string]bool) bool {
	for _, name := range names {
		if set[name] {
			return true
		}
	}
	return false
}
