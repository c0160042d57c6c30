package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sslmtest "github.com/dalemusser/sslmgr/pantry/testing"
)

// fakeDNS answers from maps keyed by server address.
type fakeDNS struct {
	mu      sync.Mutex
	serials map[string]uint32
	txt     map[string]map[string][]string // server -> name -> values
	ns      []string
	a       map[string]map[string][]string // server -> name -> ips
	mx      []MX
	queries map[string]int
}

func newFake() *fakeDNS {
	return &fakeDNS{
		serials: map[string]uint32{},
		txt:     map[string]map[string][]string{},
		a:       map[string]map[string][]string{},
		queries: map[string]int{},
	}
}

func (f *fakeDNS) count(server string) {
	f.mu.Lock()
	f.queries[server]++
	f.mu.Unlock()
}

func (f *fakeDNS) SOASerial(_ context.Context, server, _ string) (uint32, error) {
	f.count(server)
	s, ok := f.serials[server]
	if !ok {
		return 0, fmt.Errorf("%w: SOA @%s", ErrNoAnswer, server)
	}
	return s, nil
}

func (f *fakeDNS) TXT(_ context.Context, server, name string) ([]string, error) {
	f.count(server)
	return f.txt[server][name], nil
}

func (f *fakeDNS) NS(context.Context, string, string) ([]string, error) {
	return f.ns, nil
}

func (f *fakeDNS) A(_ context.Context, server, name string) ([]string, error) {
	ips := f.a[server][name]
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: A %s", ErrNoAnswer, name)
	}
	return ips, nil
}

func (f *fakeDNS) MX(context.Context, string, string) ([]MX, error) {
	return f.mx, nil
}

func (f *fakeDNS) setTXT(server, name string, vals ...string) {
	if f.txt[server] == nil {
		f.txt[server] = map[string][]string{}
	}
	f.txt[server][name] = vals
}

const primary = "10.0.0.1:53"

var challenges = []Challenge{
	{Domain: "example.com", Validation: "val-apex"},
	{Domain: "*.example.com", Validation: "val-wild"},
}

func authority(servers ...string) *Authority {
	a := &Authority{Apex: "example.com", Primary: primary}
	for i, s := range servers {
		a.Nameservers = append(a.Nameservers, Nameserver{Name: fmt.Sprintf("ns%d.example.com.", i+1), Addr: s})
	}
	return a
}

func primed(f *fakeDNS) {
	f.serials[primary] = 2026050101
	f.setTXT(primary, "_acme-challenge.example.com.", "val-apex", "val-wild")
}

func TestCheckACMEChallengesConverges(t *testing.T) {
	f := newFake()
	primed(f)
	f.serials["10.0.0.2:53"] = 2026050101
	f.serials["10.0.0.3:53"] = 2026050101

	sl := &sslmtest.Sleeper{}
	c := &Checker{Querier: f, Sleep: sl.Sleep, Logger: sslmtest.TestLogger()}
	if err := c.CheckACMEChallenges(sslmtest.Context(t), authority("10.0.0.2:53", "10.0.0.3:53"), challenges); err != nil {
		t.Fatalf("CheckACMEChallenges: %v", err)
	}
	if len(sl.Waits) != 0 {
		t.Errorf("waits = %v, want none", sl.Waits)
	}
}

// One of three nameservers never reaches the primary's serial: 50 tries,
// 49 waits, 3780 seconds in all.
func TestCheckACMEChallengesNeverConverges(t *testing.T) {
	f := newFake()
	primed(f)
	f.serials["10.0.0.2:53"] = 2026050101
	f.serials["10.0.0.3:53"] = 2026050101
	f.serials["10.0.0.4:53"] = 2026043001

	sl := &sslmtest.Sleeper{}
	observed := false
	c := &Checker{Querier: f, Sleep: sl.Sleep, Observe: func(time.Duration) { observed = true }}
	err := c.CheckACMEChallenges(sslmtest.Context(t), authority("10.0.0.2:53", "10.0.0.3:53", "10.0.0.4:53"), challenges)
	if !errors.Is(err, ErrNotConverged) {
		t.Fatalf("err = %v, want ErrNotConverged", err)
	}
	if len(sl.Waits) != 49 {
		t.Errorf("waits = %d, want 49", len(sl.Waits))
	}
	if got := sl.Total(); got != 3780*time.Second {
		t.Errorf("total wait = %v, want 3780s", got)
	}
	if f.queries["10.0.0.2:53"] != 1 {
		t.Errorf("converged server queried %d times, want 1", f.queries["10.0.0.2:53"])
	}
	if f.queries["10.0.0.4:53"] != 50 {
		t.Errorf("lagging server queried %d times, want 50", f.queries["10.0.0.4:53"])
	}
	if !observed {
		t.Errorf("observe not called")
	}
}

func TestCheckACMEChallengesPrimaryLate(t *testing.T) {
	f := newFake()
	f.serials[primary] = 7
	f.serials["10.0.0.2:53"] = 7

	sl := &sslmtest.Sleeper{}
	c := &Checker{Querier: f, Sleep: sl.Sleep, CheckDelay: 15 * time.Second}
	err := c.CheckACMEChallenges(sslmtest.Context(t), authority("10.0.0.2:53"), challenges)
	if !errors.Is(err, ErrPrimaryMissing) {
		t.Fatalf("err = %v, want ErrPrimaryMissing", err)
	}
	want := []time.Duration{15 * time.Second, 60 * time.Second}
	if len(sl.Waits) != len(want) || sl.Waits[0] != want[0] || sl.Waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", sl.Waits, want)
	}
	if f.queries["10.0.0.2:53"] != 0 {
		t.Errorf("secondary queried before primary had the records")
	}
}

func TestCheckACMEChallengesSecondaryCatchesUp(t *testing.T) {
	f := newFake()
	primed(f)
	f.serials["10.0.0.2:53"] = 1

	sl := &sslmtest.Sleeper{}
	c := &Checker{Querier: f}
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		sl.Sleep(ctx, d)
		if len(sl.Waits) == 3 {
			f.serials["10.0.0.2:53"] = f.serials[primary]
		}
		return nil
	}
	if err := c.CheckACMEChallenges(sslmtest.Context(t), authority("10.0.0.2:53"), challenges); err != nil {
		t.Fatalf("CheckACMEChallenges: %v", err)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second}
	if len(sl.Waits) != 3 {
		t.Fatalf("waits = %v, want %v", sl.Waits, want)
	}
	for i := range want {
		if sl.Waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, sl.Waits[i], want[i])
		}
	}
}

func TestCheckACMEChallengesNoNameservers(t *testing.T) {
	f := newFake()
	primed(f)
	c := &Checker{Querier: f, Sleep: (&sslmtest.Sleeper{}).Sleep}
	if err := c.CheckACMEChallenges(sslmtest.Context(t), authority(), challenges); !errors.Is(err, ErrNoNameservers) {
		t.Errorf("err = %v, want ErrNoNameservers", err)
	}
}

func TestCheckChallengeTXT(t *testing.T) {
	ch := Challenge{Domain: "mail.example.com", Validation: "abc"}

	t.Run("outside apex", func(t *testing.T) {
		c := &Checker{Querier: newFake()}
		err := c.CheckChallengeTXT(sslmtest.Context(t), authority("10.0.0.2:53"), Challenge{Domain: "example.org", Validation: "x"})
		if !errors.Is(err, ErrOutsideApex) {
			t.Errorf("err = %v, want ErrOutsideApex", err)
		}
	})

	t.Run("visible", func(t *testing.T) {
		f := newFake()
		f.setTXT("10.0.0.2:53", "_acme-challenge.mail.example.com.", "old", "abc")
		sl := &sslmtest.Sleeper{}
		c := &Checker{Querier: f, Sleep: sl.Sleep}
		if err := c.CheckChallengeTXT(sslmtest.Context(t), authority("10.0.0.2:53"), ch); err != nil {
			t.Fatalf("CheckChallengeTXT: %v", err)
		}
	})

	t.Run("never visible", func(t *testing.T) {
		f := newFake()
		sl := &sslmtest.Sleeper{}
		c := &Checker{Querier: f, Sleep: sl.Sleep}
		err := c.CheckChallengeTXT(sslmtest.Context(t), authority("10.0.0.2:53"), ch)
		if !errors.Is(err, ErrNotConverged) {
			t.Fatalf("err = %v, want ErrNotConverged", err)
		}
		if len(sl.Waits) != 119 {
			t.Errorf("waits = %d, want 119", len(sl.Waits))
		}
		// 2 x 1.5s + 2 x 3s + 115 x 5s
		if got, want := sl.Total(), 584*time.Second; got != want {
			t.Errorf("total = %v, want %v", got, want)
		}
	})
}

func TestRecordName(t *testing.T) {
	tests := map[string]string{
		"example.com":       "_acme-challenge.example.com.",
		"*.example.com":     "_acme-challenge.example.com.",
		"mail.example.com.": "_acme-challenge.mail.example.com.",
	}
	for in, want := range tests {
		if got := (Challenge{Domain: in}).RecordName(); got != want {
			t.Errorf("RecordName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewAuthority(t *testing.T) {
	const stub = "127.0.0.53:53"
	f := newFake()
	f.ns = []string{"ns1.example.com.", "ns2.example.net.", "ns1.example.com."}
	f.mx = []MX{{Pref: 10, Host: "mx1.example.com."}, {Pref: 20, Host: "mx2.example.com."}}
	f.a[stub] = map[string][]string{
		"primary.example.com": {"10.0.0.1"},
		"ns2.example.net.":    {"10.0.0.3"},
		"extra.example.org":   {"10.0.0.9"},
	}
	f.a[primary] = map[string][]string{"ns1.example.com.": {"10.0.0.2"}}

	a, err := NewAuthority(sslmtest.Context(t), f, nil, stub, "example.com.", "primary.example.com", 53,
		[]string{"10.0.0.8", "extra.example.org", "10.0.0.2"})
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if a.Primary != primary {
		t.Errorf("Primary = %q, want %q", a.Primary, primary)
	}
	want := []Nameserver{
		{"ns1.example.com.", "10.0.0.2:53"},
		{"ns2.example.net.", "10.0.0.3:53"},
		{"", "10.0.0.8:53"},
		{"extra.example.org.", "10.0.0.9:53"},
	}
	if len(a.Nameservers) != len(want) {
		t.Fatalf("Nameservers = %v, want %v", a.Nameservers, want)
	}
	for i := range want {
		if a.Nameservers[i] != want[i] {
			t.Errorf("Nameservers[%d] = %v, want %v", i, a.Nameservers[i], want[i])
		}
	}
	if len(a.MXHosts) != 2 || a.MXHosts[0] != "10 mx1.example.com." {
		t.Errorf("MXHosts = %v", a.MXHosts)
	}
	if names := a.MXNames(); len(names) != 2 || names[0] != "mx1.example.com." {
		t.Errorf("MXNames = %v", names)
	}
	if !a.Covers("www.example.com") || a.Covers("badexample.com") {
		t.Errorf("Covers wrong")
	}

	if _, err := NewAuthority(sslmtest.Context(t), f, nil, stub, "example.com", "nowhere.example.com", 53, nil); err == nil {
		t.Errorf("unresolvable primary accepted")
	}
}
