package openvpn

import (
	"net"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// Bypass is the split of a bypass list into routable IPv4 prefixes and the
// entries that could not be turned into routes.
type Bypass struct {
	Prefixes []netip.Prefix
	Skipped  []string
}

// PlanBypass parses bypass entries. IPv4 addresses and CIDRs are merged into
// the smallest equivalent prefix set; everything else (application package
// names, IPv6 ranges, garbage) is returned in Skipped.
func PlanBypass(entries []string) (Bypass, error) {
	var b netipx.IPSetBuilder
	var plan Bypass
	have := false

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil && p.Addr().Is4() {
			b.AddPrefix(p.Masked())
			have = true
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Is4() {
			b.Add(a)
			have = true
			continue
		}
		plan.Skipped = append(plan.Skipped, entry)
	}

	if !have {
		return plan, nil
	}
	set, err := b.IPSet()
	if err != nil {
		return plan, err
	}
	plan.Prefixes = set.Prefixes()
	return plan, nil
}

// RouteArgs returns openvpn arguments that send each prefix around the
// tunnel through the pre-VPN default gateway.
func (b Bypass) RouteArgs() []string {
	args := make([]string, 0, len(b.Prefixes)*4)
	for _, p := range b.Prefixes {
		mask := net.IP(net.CIDRMask(p.Bits(), 32)).String()
		args = append(args, "--route", p.Addr().String(), mask, "net_gateway")
	}
	return args
}
