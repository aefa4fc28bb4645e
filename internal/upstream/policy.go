// Package upstream talks to source image hosts: URL normalization, the
// SSRF policy, the shared HTTP client, and the HEAD prober.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Policy controls which source URLs may be fetched.
type Policy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string
	// DenyPrivateNetworks blocks private, loopback, link-local, and cloud
	// metadata addresses, both as literals and at connect time.
	DenyPrivateNetworks bool
}

// ErrPrivateAddress is returned when a source resolves to a blocked address.
var ErrPrivateAddress = errors.New("upstream: address is in a private or reserved range")

// privateNetworks contains CIDR ranges that are considered private/internal.
var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10", // carrier-grade NAT
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local + cloud metadata (169.254.169.254)
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::/128",
		"::1/128",
		"fc00::/7",  // unique local, includes fd00:ec2::254
		"fe80::/10", // link-local v6
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// IsPrivateIP reports whether ip falls within a private or reserved range.
// The dialer calls it again at connect time, after DNS resolution.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// collapsedScheme matches "https:/host" left behind when a proxy merges the
// double slash of an embedded absolute URL.
var collapsedScheme = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*):/+`)

// NormalizeSourceURL turns the image path of a signed URL into an absolute
// source URL. Paths without a scheme get defaultScheme.
func NormalizeSourceURL(imagePath, defaultScheme string) (*url.URL, error) {
	raw := strings.TrimLeft(imagePath, "/")
	if raw == "" {
		return nil, errors.New("empty image path")
	}
	if m := collapsedScheme.FindStringSubmatch(raw); m != nil {
		raw = m[1] + "://" + raw[len(m[0]):]
	} else {
		if defaultScheme == "" {
			defaultScheme = "https"
		}
		raw = defaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid image url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Hostname() == "" {
		return nil, errors.New("image url has no host")
	}
	if u.User != nil {
		return nil, errors.New("image url must not carry credentials")
	}
	return u, nil
}

// CheckScheme reports whether u's scheme is allowed.
func (p Policy) CheckScheme(u *url.URL) error {
	schemes := p.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("scheme %q is not allowed", u.Scheme)
}

// CheckHost rejects IP-literal hosts in blocked ranges and local names.
// Hostnames are checked again by the dialer once resolved.
func (p Policy) CheckHost(u *url.URL) error {
	if !p.DenyPrivateNetworks {
		return nil
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("host %q: %w", host, ErrPrivateAddress)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("IP %s: %w", ip, ErrPrivateAddress)
	}
	return nil
}

// MatchDomain reports whether host equals one of domains or is a subdomain
// of one. Entries may carry a leading "*." and are compared
// case-insensitively.
func MatchDomain(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.TrimPrefix(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), "."), "*.")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
