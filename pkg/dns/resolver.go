package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/log"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single query to one nameserver
const DefaultTimeout = 3 * time.Second

// ErrNotFound is returned when a nameserver answered that the host has no
// addresses. It is a definitive answer; the remaining servers are not asked.
var ErrNotFound = errors.New("no such host")

// Resolver looks up host addresses directly at a fixed list of nameservers,
// bypassing the system resolver and its cache. Servers are asked in order
// until one answers.
type Resolver struct {
	servers []string
	client  *dns.Client
	logger  zerolog.Logger
}

// NewResolver creates a resolver for servers. A server without a port uses 53.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		logger: log.WithComponent("dns"),
	}
	for _, s := range servers {
		if s = strings.TrimSpace(s); s != "" {
			r.servers = append(r.servers, withPort(s))
		}
	}
	return r
}

// Servers returns the nameserver addresses in query order
func (r *Resolver) Servers() []string {
	return r.servers
}

// LookupHost returns the IPv4 and IPv6 addresses of host
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if len(r.servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}

	var lastErr error
	for _, server := range r.servers {
		addrs, err := r.lookup(ctx, server, host)
		if err == nil {
			return addrs, nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Debug().
			Err(err).
			Str("server", server).
			Str("host", host).
			Msg("Nameserver query failed, trying next")
		lastErr = err
	}
	return nil, fmt.Errorf("all nameservers failed for %s: %w", host, lastErr)
}

func (r *Resolver) lookup(ctx context.Context, server, host string) ([]string, error) {
	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, fmt.Errorf("query %s at %s: %w", host, server, err)
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: %w", host, ErrNotFound)
		default:
			return nil, fmt.Errorf("query %s at %s: %s", host, server, dns.RcodeToString[resp.Rcode])
		}

		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNotFound)
	}
	return addrs, nil
}

// withPort appends the default DNS port to a bare address
func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}
