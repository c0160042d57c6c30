package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	sslmtest "github.com/dalemusser/sslmgr/pantry/testing"
)

// nsQuerier answers NS and A lookups and counts NS queries.
type nsQuerier struct{ nsCalls int }

func (q *nsQuerier) SOASerial(context.Context, string, string) (uint32, error) { return 1, nil }

func (q *nsQuerier) TXT(context.Context, string, string) ([]string, error) { return nil, nil }

func (q *nsQuerier) NS(context.Context, string, string) ([]string, error) {
	q.nsCalls++
	return []string{"ns2.example.com."}, nil
}

func (q *nsQuerier) A(context.Context, string, string) ([]string, error) {
	return []string{"10.0.0.2"}, nil
}

func (q *nsQuerier) MX(context.Context, string, string) ([]dnscheck.MX, error) { return nil, nil }

func TestAuthorityFuncResolvesOncePerApex(t *testing.T) {
	cfg := &config.Config{DNSPrimary: []config.DNSPrimary{{Domain: "example.com", Server: "10.0.0.1", Port: 53}}}
	q := &nsQuerier{}
	authority := AuthorityFunc(cfg, q, sslmtest.TestLogger())
	ctx := sslmtest.Context(t)

	first, err := authority(ctx, "example.com")
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	second, err := authority(ctx, "example.com")
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	if first != second {
		t.Errorf("second lookup built a new authority set")
	}
	if q.nsCalls != 1 {
		t.Errorf("NS queried %d times, want 1", q.nsCalls)
	}
	if len(first.Nameservers) != 1 || first.Nameservers[0].Addr != "10.0.0.2:53" {
		t.Errorf("nameservers = %+v", first.Nameservers)
	}

	if _, err := authority(ctx, "example.org"); !errors.Is(err, ErrNoPrimary) {
		t.Errorf("err = %v, want ErrNoPrimary", err)
	}
}
