package dns

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/lbctl/pkg/certs"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ certs.Resolver = (*Resolver)(nil)

// zone answers from a fixed record set; unknown names get NXDOMAIN
type zone struct {
	records map[string][]string
	rcode   int
	queries atomic.Int32
}

func (z *zone) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	z.queries.Add(1)

	msg := new(dns.Msg)
	msg.SetReply(r)
	if z.rcode != dns.RcodeSuccess {
		msg.Rcode = z.rcode
		_ = w.WriteMsg(msg)
		return
	}

	q := r.Question[0]
	rrs, ok := z.records[q.Name]
	if !ok {
		msg.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(msg)
		return
	}
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err == nil && rr.Header().Rrtype == q.Qtype {
			msg.Answer = append(msg.Answer, rr)
		}
	}
	_ = w.WriteMsg(msg)
}

func startServer(t *testing.T, z *zone) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: z, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

// closedAddr returns a UDP address nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func TestLookupHost(t *testing.T) {
	z := &zone{records: map[string][]string{
		"shop.example.": {
			"shop.example. 60 IN A 192.0.2.10",
			"shop.example. 60 IN AAAA 2001:db8::10",
		},
		"v4only.example.": {"v4only.example. 60 IN A 192.0.2.11"},
		"empty.example.":  {},
	}}
	r := NewResolver([]string{startServer(t, z)}, time.Second)

	addrs, err := r.LookupHost(context.Background(), "shop.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10", "2001:db8::10"}, addrs)

	addrs, err = r.LookupHost(context.Background(), "v4only.example.")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.11"}, addrs)

	_, err = r.LookupHost(context.Background(), "missing.example")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = r.LookupHost(context.Background(), "empty.example")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestNotFoundIsFinal(t *testing.T) {
	first := &zone{records: map[string][]string{}}
	second := &zone{records: map[string][]string{"shop.example.": {"shop.example. 60 IN A 192.0.2.10"}}}
	r := NewResolver([]string{startServer(t, first), startServer(t, second)}, time.Second)

	_, err := r.LookupHost(context.Background(), "shop.example")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(0), second.queries.Load())
}

func TestFallsBackToNextServer(t *testing.T) {
	failing := &zone{rcode: dns.RcodeServerFailure}
	good := &zone{records: map[string][]string{"shop.example.": {"shop.example. 60 IN A 192.0.2.10"}}}
	r := NewResolver([]string{closedAddr(t), startServer(t, failing), startServer(t, good)}, 300*time.Millisecond)

	addrs, err := r.LookupHost(context.Background(), "shop.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, addrs)
	assert.Equal(t, int32(1), failing.queries.Load())
}

func TestAllServersFail(t *testing.T) {
	r := NewResolver([]string{startServer(t, &zone{rcode: dns.RcodeRefused})}, time.Second)

	_, err := r.LookupHost(context.Background(), "shop.example")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "REFUSED")

	_, err = NewResolver(nil, time.Second).LookupHost(context.Background(), "shop.example")
	assert.Error(t, err)
}

func TestServerAddresses(t *testing.T) {
	r := NewResolver([]string{"1.1.1.1", "127.0.0.1:5353", "::1", "[2001:db8::53]", " "}, 0)
	assert.Equal(t, []string{"1.1.1.1:53", "127.0.0.1:5353", "[::1]:53", "[2001:db8::53]:53"}, r.Servers())
}
