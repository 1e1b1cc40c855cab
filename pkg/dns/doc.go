/*
Package dns resolves host names by asking configured nameservers directly.

The certificate manager only requests a certificate for a domain once the
domain resolves to this host; otherwise the HTTP-01 challenge would be
answered somewhere else. Asking the authoritative or a known recursive
server, rather than the system resolver, avoids acting on stale cached
answers right after a DNS change.

	r := dns.NewResolver([]string{"1.1.1.1", "8.8.8.8:53"}, dns.DefaultTimeout)
	addrs, err := r.LookupHost(ctx, "shop.example")

A NXDOMAIN or an empty answer is final and returns ErrNotFound. Transport
errors and server failures move on to the next nameserver.
*/
package dns
