package openvpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// ResolvedRemote is the lookup result for one remote line.
type ResolvedRemote struct {
	Remote RemoteServer
	Addrs  []netip.Addr
	Err    error
}

// ResolveRemotes looks up every remote host of cfg. Upstreams are DNS
// servers as host or host:port; when empty the system resolv.conf is used.
// Per-remote failures are reported in the result, not as the error.
func ResolveRemotes(ctx context.Context, cfg *Config, upstreams []string) ([]ResolvedRemote, error) {
	if len(upstreams) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConf, err)
		}
		for _, s := range cc.Servers {
			upstreams = append(upstreams, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(upstreams) == 0 {
		return nil, errors.New("no upstream DNS servers configured")
	}

	results := make([]ResolvedRemote, 0, len(cfg.Remote))
	for _, remote := range cfg.Remote {
		res := ResolvedRemote{Remote: remote}
		if addr, err := netip.ParseAddr(remote.Host); err == nil {
			res.Addrs = []netip.Addr{addr}
		} else {
			res.Addrs, res.Err = lookupHost(ctx, remote.Host, upstreams)
		}
		results = append(results, res)
	}
	return results, nil
}

func lookupHost(ctx context.Context, host string, upstreams []string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := queryUpstream(ctx, host, qtype, upstreams)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
	return addrs, nil
}

func queryUpstream(ctx context.Context, domain string, qtype uint16, upstreams []string) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	client := &dns.Client{
		Timeout: 5 * time.Second,
	}

	var lastErr error
	for _, upstream := range upstreams {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstream = net.JoinHostPort(upstream, "53")
		}

		resp, _, err := client.ExchangeContext(ctx, m, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("DNS error: %s", dns.RcodeToString[resp.Rcode])
			continue
		}

		var addrs []netip.Addr
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A); ok {
					addrs = append(addrs, a.Unmap())
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA); ok {
					addrs = append(addrs, a)
				}
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}
