// internal/dnscheck/querier.go
// Package dnscheck answers "has every authoritative nameserver caught up?"
// for a zone. It only reads DNS; publishing records is dnspush's job.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	ErrNoAnswer       = errors.New("dnscheck: no answer")
	ErrNotConverged   = errors.New("dnscheck: nameservers not updated")
	ErrPrimaryMissing = errors.New("dnscheck: primary is missing challenge records")
	ErrNoNameservers  = errors.New("dnscheck: no nameservers to check")
	ErrOutsideApex    = errors.New("dnscheck: domain is not under apex")
)

// MX is one mail exchanger.
type MX struct {
	Pref uint16
	Host string
}

// Querier sends one question to one server ("host:port") and returns the
// answer data. Implementations must not cache.
type Querier interface {
	SOASerial(ctx context.Context, server, zone string) (uint32, error)
	TXT(ctx context.Context, server, name string) ([]string, error)
	NS(ctx context.Context, server, zone string) ([]string, error)
	A(ctx context.Context, server, name string) ([]string, error)
	MX(ctx context.Context, server, name string) ([]MX, error)
}

// DNSQuerier implements Querier over UDP, retrying over TCP when the
// answer is truncated.
type DNSQuerier struct {
	client *dns.Client
}

// NewDNSQuerier returns a querier with the given per-exchange timeout
// (5s when zero).
func NewDNSQuerier(timeout time.Duration) *DNSQuerier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSQuerier{client: &dns.Client{Net: "udp", Timeout: timeout}}
}

func (q *DNSQuerier) exchange(ctx context.Context, server, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := q.client.ExchangeContext(ctx, m, server)
	if err == nil && in.Truncated {
		tcp := *q.client
		tcp.Net = "tcp"
		in, _, err = tcp.ExchangeContext(ctx, m, server)
	}
	if err != nil {
		return nil, fmt.Errorf("dnscheck: %s %s @%s: %w", dns.TypeToString[qtype], name, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s %s @%s: %s", ErrNoAnswer, dns.TypeToString[qtype], name, server, dns.RcodeToString[in.Rcode])
	}
	return in, nil
}

// SOASerial returns the zone's SOA serial as seen by server.
func (q *DNSQuerier) SOASerial(ctx context.Context, server, zone string) (uint32, error) {
	in, err := q.exchange(ctx, server, zone, dns.TypeSOA)
	if err != nil {
		return 0, err
	}
	for _, rr := range in.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, fmt.Errorf("%w: SOA %s @%s", ErrNoAnswer, zone, server)
}

// TXT returns the TXT strings for name, each record's chunks joined.
func (q *DNSQuerier) TXT(ctx context.Context, server, name string) ([]string, error) {
	in, err := q.exchange(ctx, server, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if t, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(t.Txt, ""))
		}
	}
	return out, nil
}

// NS returns the nameserver names (fully qualified) for zone.
func (q *DNSQuerier) NS(ctx context.Context, server, zone string) ([]string, error) {
	in, err := q.exchange(ctx, server, zone, dns.TypeNS)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			out = append(out, ns.Ns)
		}
	}
	return out, nil
}

// A returns the IPv4 addresses of name.
func (q *DNSQuerier) A(ctx context.Context, server, name string) ([]string, error) {
	in, err := q.exchange(ctx, server, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	return out, nil
}

// MX returns the mail exchangers of name sorted by preference.
func (q *DNSQuerier) MX(ctx context.Context, server, name string) ([]MX, error) {
	in, err := q.exchange(ctx, server, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []MX
	for _, rr := range in.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MX{Pref: mx.Preference, Host: mx.Mx})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}

// StubServer returns the first nameserver of /etc/resolv.conf as
// host:port, or 127.0.0.1:53 when it cannot be read.
func StubServer() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// Addr joins host and port, defaulting the port to 53.
func Addr(host string, port int) string {
	if port <= 0 {
		port = 53
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
