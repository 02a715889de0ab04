// Package targetcheck validates outbound probe URLs against SSRF rules.
// Validation is deterministic: rules are applied in a fixed order and the
// first match wins. DNS is the only external input and is injectable.
package targetcheck

import (
	"net"
	"net/url"
	"strings"
)

const (
	ReasonEmptyURL      = "empty_url"
	ReasonNotAbsolute   = "not_absolute_url"
	ReasonSchemeBlocked = "scheme_not_https"
	ReasonHostBlocked   = "host_blocked"
	ReasonLoopback      = "loopback_address"
	ReasonLinkLocal     = "link_local_address"
	ReasonPrivateRange  = "private_address"
	ReasonMetadataRange = "metadata_address"
	ReasonDNSFailure    = "dns_resolution_failed"
)

// Resolver resolves a hostname to IPs. The default uses net.LookupIP; tests
// inject fixed answers to keep validation pure.
type Resolver func(host string) ([]net.IP, error)

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

var metadataRange = mustParseCIDR("169.254.0.0/16")

func mustParseCIDR(cidr string) *net.IPNet {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return ipNet
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, mustParseCIDR(c))
	}
	return out
}

// Validate applies the default resolver.
func Validate(rawURL string) (bool, string) {
	return ValidateWithResolver(rawURL, net.LookupIP)
}

// ValidateWithResolver returns (true, "") for an acceptable target, otherwise
// (false, reason). Rule order is fixed; the first failing rule decides the
// reason.
func ValidateWithResolver(rawURL string, resolve Resolver) (bool, string) {
	if strings.TrimSpace(rawURL) == "" {
		return false, ReasonEmptyURL
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false, ReasonNotAbsolute
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return false, ReasonSchemeBlocked
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if host == "" {
		return false, ReasonNotAbsolute
	}
	if host == "localhost" || strings.HasSuffix(host, ".internal") {
		return false, ReasonHostBlocked
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := blockedIPReason(ip); reason != "" {
			return false, reason
		}
		return true, ""
	}
	if resolve == nil {
		resolve = net.LookupIP
	}
	ips, err := resolve(host)
	if err != nil || len(ips) == 0 {
		return false, ReasonDNSFailure
	}
	for _, ip := range ips {
		if reason := blockedIPReason(ip); reason != "" {
			return false, reason
		}
	}
	return true, ""
}

func blockedIPReason(ip net.IP) string {
	if ip.IsLoopback() {
		return ReasonLoopback
	}
	if v4 := ip.To4(); v4 != nil {
		if metadataRange.Contains(v4) {
			return ReasonMetadataRange
		}
		for _, r := range privateRanges {
			if r.Contains(v4) {
				return ReasonPrivateRange
			}
		}
		return ""
	}
	if ip.IsLinkLocalUnicast() {
		return ReasonLinkLocal
	}
	return ""
}
