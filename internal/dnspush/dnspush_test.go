package dnspush

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/remote/remotetest"
	sslmtest "github.com/dalemusser/sslmgr/pantry/testing"
)

// 43 character base64url values
const (
	valA = "gfj9Xq1Qd2Yq0dZlYwYkq6c2aY0kP7sYB8fP0x1Yc9A"
	valB = "Zm9vYmFyYmF6cXV4cXV1eGNvcmdlZ3JhdWx0Z2FycGx"
)

var chs = []dnscheck.Challenge{
	{Domain: "example.com", Validation: valA},
	{Domain: "*.example.com", Validation: valB},
	{Domain: "mail.example.com", Validation: valA},
}

func TestChallengeZone(t *testing.T) {
	got := ChallengeZone("example.com", chs)
	want := ";; acme-challenge for : example.com\n" +
		"_acme-challenge.example.com. 60 IN TXT \"" + valA + "\"\n" +
		"_acme-challenge.example.com. 60 IN TXT \"" + valB + "\"\n" +
		"_acme-challenge.mail.example.com. 60 IN TXT \"" + valA + "\"\n"
	if got != want {
		t.Errorf("ChallengeZone =\n%s\nwant\n%s", got, want)
	}
}

func TestTXTRdataSplitsLongValues(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := TXTRdata(long)
	if !strings.HasPrefix(got, "(") || !strings.HasSuffix(got, " )") {
		t.Fatalf("TXTRdata = %q", got)
	}
	if strings.Count(got, `"`) != 4 {
		t.Errorf("want two quoted strings: %q", got)
	}
	if TXTRdata("short") != `"short"` {
		t.Errorf("short value not simply quoted")
	}
}

func zonePusher(t *testing.T) (*ZoneFilePusher, *remotetest.Recorder) {
	t.Helper()
	rec := &remotetest.Recorder{}
	root := t.TempDir()
	return &ZoneFilePusher{
		WorkDir:     filepath.Join(root, "cb"),
		AcmeDir:     filepath.Join(root, "acme"),
		TLSADirs:    []string{filepath.Join(root, "tlsa1"), filepath.Join(root, "tlsa2")},
		RestartCmds: []string{"/usr/local/bin/dns-tool -v", "/usr/bin/true"},
		Runner:      rec,
		Privileged:  true,
		Logger:      sslmtest.TestLogger(),
	}, rec
}

func TestZoneFilePushChallenges(t *testing.T) {
	p, rec := zonePusher(t)
	if err := p.PushChallenges(sslmtest.Context(t), "example.com", chs); err != nil {
		t.Fatalf("PushChallenges: %v", err)
	}
	got := sslmtest.ReadFile(t, filepath.Join(p.AcmeDir, "acme-challenge.example.com"))
	if got != ChallengeZone("example.com", chs) {
		t.Errorf("acme dir file = %q", got)
	}
	want := []string{
		"local: /usr/local/bin/dns-tool -v --serial_bump example.com",
		"local: /usr/bin/true --serial_bump example.com",
	}
	calls := rec.Strings()
	if len(calls) != len(want) {
		t.Fatalf("calls = %q, want %q", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}

	if err := p.ClearChallenges(sslmtest.Context(t), "example.com"); err != nil {
		t.Fatalf("ClearChallenges: %v", err)
	}
	got = sslmtest.ReadFile(t, filepath.Join(p.AcmeDir, "acme-challenge.example.com"))
	if got != ";; acme-challenge for : example.com\n" {
		t.Errorf("cleared file = %q", got)
	}
}

func TestZoneFileRestartPrivileges(t *testing.T) {
	p, rec := zonePusher(t)
	p.Privileged = false
	if err := p.Restart(sslmtest.Context(t), []string{"example.com"}); !errors.Is(err, ErrNotPrivileged) {
		t.Errorf("err = %v, want ErrNotPrivileged", err)
	}
	p.Debug = true
	if err := p.Restart(sslmtest.Context(t), []string{"example.com"}); err != nil {
		t.Errorf("debug restart: %v", err)
	}
	if len(rec.Calls) != 0 {
		t.Errorf("commands run without privileges: %v", rec.Strings())
	}
}

func TestZoneFileRestartFailure(t *testing.T) {
	p, rec := zonePusher(t)
	rec.Fail = []string{"dns-tool"}
	err := p.Restart(sslmtest.Context(t), []string{"example.com", "example.net"})
	if err == nil {
		t.Fatal("Restart succeeded with a failing command")
	}
	if len(rec.Calls) != 2 {
		t.Errorf("second command not run after first failed: %v", rec.Strings())
	}
}

func TestZoneFilePushTLSA(t *testing.T) {
	p, _ := zonePusher(t)
	src := sslmtest.WriteFile(t, t.TempDir(), "tlsa.rr", ";; tlsa\n")
	if err := p.PushTLSA(sslmtest.Context(t), "example.com", src); err != nil {
		t.Fatalf("PushTLSA: %v", err)
	}
	for _, dir := range p.TLSADirs {
		if got := sslmtest.ReadFile(t, filepath.Join(dir, "tlsa.rr")); got != ";; tlsa\n" {
			t.Errorf("%s: %q", dir, got)
		}
	}

	p.TLSADirs = nil
	if err := p.PushTLSA(sslmtest.Context(t), "example.com", src); !errors.Is(err, ErrNoDestination) {
		t.Errorf("err = %v, want ErrNoDestination", err)
	}
}

type fakeR53 struct {
	batches [][]types.Change
	sets    []types.ResourceRecordSet
}

func (f *fakeR53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.batches = append(f.batches, in.ChangeBatch.Changes)
	return &route53.ChangeResourceRecordSetsOutput{ChangeInfo: &types.ChangeInfo{Id: aws.String("C1")}}, nil
}

func (f *fakeR53) ListResourceRecordSets(context.Context, *route53.ListResourceRecordSetsInput, ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	return &route53.ListResourceRecordSetsOutput{ResourceRecordSets: f.sets}, nil
}

func (f *fakeR53) GetChange(context.Context, *route53.GetChangeInput, ...func(*route53.Options)) (*route53.GetChangeOutput, error) {
	return &route53.GetChangeOutput{ChangeInfo: &types.ChangeInfo{Id: aws.String("C1"), Status: types.ChangeStatusInsync}}, nil
}

func r53Pusher() (*Route53Pusher, *fakeR53, *int) {
	f := &fakeR53{}
	p := newRoute53Pusher(f, map[string]string{"example.com": "Z123"}, sslmtest.TestLogger())
	waits := 0
	p.wait = func(context.Context, *string) error { waits++; return nil }
	return p, f, &waits
}

func TestRoute53PushChallenges(t *testing.T) {
	p, f, waits := r53Pusher()
	if err := p.PushChallenges(sslmtest.Context(t), "example.com", chs); err != nil {
		t.Fatalf("PushChallenges: %v", err)
	}
	if len(f.batches) != 1 || *waits != 1 {
		t.Fatalf("batches = %d, waits = %d", len(f.batches), *waits)
	}
	changes := f.batches[0]
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2 (one per record name)", len(changes))
	}
	apex := changes[0].ResourceRecordSet
	if aws.ToString(apex.Name) != "_acme-challenge.example.com." || len(apex.ResourceRecords) != 2 {
		t.Errorf("apex set = %s with %d values", aws.ToString(apex.Name), len(apex.ResourceRecords))
	}
	if changes[0].Action != types.ChangeActionUpsert || aws.ToInt64(apex.TTL) != 60 {
		t.Errorf("apex change = %v ttl %d", changes[0].Action, aws.ToInt64(apex.TTL))
	}
	if v := aws.ToString(apex.ResourceRecords[1].Value); v != `"`+valB+`"` {
		t.Errorf("value = %s", v)
	}

	if err := p.PushChallenges(sslmtest.Context(t), "example.org", chs); !errors.Is(err, ErrNoZone) {
		t.Errorf("unknown apex err = %v, want ErrNoZone", err)
	}
	bad := []dnscheck.Challenge{{Domain: "example.com", Validation: "short"}}
	if err := p.PushChallenges(sslmtest.Context(t), "example.com", bad); err == nil {
		t.Errorf("short validation accepted")
	}
}

func TestRoute53ClearChallenges(t *testing.T) {
	p, f, _ := r53Pusher()
	txt := func(name string) types.ResourceRecordSet {
		return types.ResourceRecordSet{Name: aws.String(name), Type: types.RRTypeTxt, TTL: aws.Int64(60),
			ResourceRecords: []types.ResourceRecord{{Value: aws.String(`"x"`)}}}
	}
	f.sets = []types.ResourceRecordSet{
		txt("_acme-challenge.example.com."),
		txt("_acme-challenge.mail.example.com."),
		txt("example.com."),
		txt("_acme-challenge.badexample.com."),
		{Name: aws.String("_acme-challenge.example.com."), Type: types.RRTypeCname},
	}
	if err := p.ClearChallenges(sslmtest.Context(t), "example.com"); err != nil {
		t.Fatalf("ClearChallenges: %v", err)
	}
	if len(f.batches) != 1 || len(f.batches[0]) != 2 {
		t.Fatalf("batches = %v", f.batches)
	}
	for _, c := range f.batches[0] {
		if c.Action != types.ChangeActionDelete {
			t.Errorf("action = %v", c.Action)
		}
	}

	f.sets = nil
	f.batches = nil
	if err := p.ClearChallenges(sslmtest.Context(t), "example.com"); err != nil || len(f.batches) != 0 {
		t.Errorf("empty clear: err %v, batches %d", err, len(f.batches))
	}
}

func TestRoute53PushTLSA(t *testing.T) {
	p, f, _ := r53Pusher()
	rr := ";;\n;; tlsa example.com mail-ec curr\n;;\n" +
		"_25._tcp.mail.example.com. IN TLSA 3 1 1 ab12cd\n" +
		"_25._tcp.mail.example.com. IN TLSA 3 1 1 ef34ab\n" +
		"_443._tcp.www IN TLSA 3 1 2 0011\n"
	path := sslmtest.WriteFile(t, t.TempDir(), "tlsa.rr", rr)
	if err := p.PushTLSA(sslmtest.Context(t), "example.com", path); err != nil {
		t.Fatalf("PushTLSA: %v", err)
	}
	if len(f.batches) != 1 || len(f.batches[0]) != 2 {
		t.Fatalf("batches = %v", f.batches)
	}
	mail := f.batches[0][0].ResourceRecordSet
	if aws.ToString(mail.Name) != "_25._tcp.mail.example.com." || len(mail.ResourceRecords) != 2 {
		t.Errorf("mail set = %s, %d values", aws.ToString(mail.Name), len(mail.ResourceRecords))
	}
	if v := aws.ToString(mail.ResourceRecords[0].Value); v != "3 1 1 ab12cd" {
		t.Errorf("value = %q", v)
	}
	if mail.Type != rrTypeTLSA {
		t.Errorf("type = %v", mail.Type)
	}
	www := f.batches[0][1].ResourceRecordSet
	if aws.ToString(www.Name) != "_443._tcp.www.example.com." {
		t.Errorf("relative name not qualified: %s", aws.ToString(www.Name))
	}
}
