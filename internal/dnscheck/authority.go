// internal/dnscheck/authority.go
package dnscheck

import (
	"context"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// Nameserver is one server to be checked. Name is empty for extra servers
// configured by IP.
type Nameserver struct {
	Name string
	Addr string // host:port
}

// Authority describes who serves a zone: the primary that takes updates,
// the servers that must catch up with it, and the zone's mail exchangers.
type Authority struct {
	Apex        string
	Primary     string // host:port
	Nameservers []Nameserver
	MXHosts     []string // "pref host", lowest preference first
}

// NewAuthority asks the primary for the apex NS and MX records and resolves
// every nameserver to an address. primary may be a name or an IP; names
// and NS hosts the primary cannot resolve are looked up on stub. extra
// lists further servers (IPs or names) that must also converge.
func NewAuthority(ctx context.Context, q Querier, logger *zap.Logger, stub, apex, primary string, port int, extra []string) (*Authority, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	apex = strings.TrimSuffix(apex, ".")

	primaryIP := primary
	if net.ParseIP(primary) == nil {
		ip, err := firstA(ctx, q, primary, stub)
		if err != nil {
			return nil, fmt.Errorf("dnscheck: resolve primary %s: %w", primary, err)
		}
		primaryIP = ip
	}
	a := &Authority{Apex: apex, Primary: Addr(primaryIP, port)}

	seen := make(map[string]bool)
	add := func(name, ip string) {
		addr := Addr(ip, 53)
		if seen[addr] {
			return
		}
		seen[addr] = true
		a.Nameservers = append(a.Nameservers, Nameserver{Name: name, Addr: addr})
	}

	names, err := q.NS(ctx, a.Primary, apex)
	if err != nil {
		logger.Warn("NS lookup on primary failed", zap.String("apex", apex), zap.String("primary", a.Primary), zap.Error(err))
	}
	for _, name := range names {
		ip, err := firstA(ctx, q, name, a.Primary, stub)
		if err != nil {
			logger.Warn("cannot resolve nameserver", zap.String("ns", name), zap.Error(err))
			continue
		}
		add(name, ip)
	}

	for _, x := range extra {
		if net.ParseIP(x) != nil {
			add("", x)
			continue
		}
		ips, err := q.A(ctx, stub, x)
		if err != nil || len(ips) == 0 {
			logger.Warn("cannot resolve extra nameserver", zap.String("ns", x), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			add(dnsFqdn(x), ip)
		}
	}

	mxs, err := q.MX(ctx, a.Primary, apex)
	if err != nil {
		logger.Debug("no MX for apex", zap.String("apex", apex), zap.Error(err))
	}
	for _, mx := range mxs {
		a.MXHosts = append(a.MXHosts, fmt.Sprintf("%d %s", mx.Pref, mx.Host))
	}
	return a, nil
}

// Zone returns the apex as a fully qualified name.
func (a *Authority) Zone() string {
	return dnsFqdn(a.Apex)
}

// Covers reports whether domain is the apex or lies under it.
func (a *Authority) Covers(domain string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	apex := strings.ToLower(a.Apex)
	return d == apex || strings.HasSuffix(d, "."+apex)
}

// MXNames returns the mail exchanger host names in preference order.
func (a *Authority) MXNames() []string {
	out := make([]string, 0, len(a.MXHosts))
	for _, mx := range a.MXHosts {
		f := strings.Fields(mx)
		if len(f) == 0 {
			continue
		}
		out = append(out, f[len(f)-1])
	}
	return out
}

// firstA returns the first A record for name, asking each server in turn.
func firstA(ctx context.Context, q Querier, name string, servers ...string) (string, error) {
	var lastErr error
	for _, s := range servers {
		ips, err := q.A(ctx, s, name)
		if err != nil {
			lastErr = err
			continue
		}
		if len(ips) > 0 {
			return ips[0], nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: A %s", ErrNoAnswer, name)
	}
	return "", lastErr
}

func dnsFqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
