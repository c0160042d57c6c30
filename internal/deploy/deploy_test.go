package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/changes"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/internal/remote/remotetest"
	sslmtest "github.com/dalemusser/sslmgr/pantry/testing"
)

// seed writes generation gen of group:svc, with placeholder files, into
// slot (curr or next).
func seed(t *testing.T, certsDir, group, svc, slot, gen string) *certstore.Store {
	t.Helper()
	st, err := certstore.Open(certsDir, group, svc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.NewNext(gen); err != nil {
		t.Fatal(err)
	}
	for _, name := range certstore.RequiredFiles {
		sslmtest.WriteFile(t, st.SlotDir(certstore.Next), name, name+" "+gen+"\n")
	}
	if slot == certstore.Curr {
		if err := st.NextToCurr(); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

type dnsRestarter struct {
	domains   [][]string
	err       error
	onRestart func()
}

func (p *dnsRestarter) PushChallenges(context.Context, string, []dnscheck.Challenge) error {
	return nil
}

func (p *dnsRestarter) ClearChallenges(context.Context, string) error { return nil }

func (p *dnsRestarter) PushTLSA(context.Context, string, string) error { return nil }

func (p *dnsRestarter) Restart(_ context.Context, domains []string) error {
	if p.onRestart != nil {
		p.onRestart()
	}
	p.domains = append(p.domains, domains)
	return p.err
}

type fixture struct {
	d      *Deployer
	rec    *remotetest.Recorder
	dns    *dnsRestarter
	groups []config.GroupServices
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	certsDir := filepath.Join(root, "certs")
	seed(t, certsDir, "example.com", "mail-ec", certstore.Curr, "20260101-00:00:00")
	seed(t, certsDir, "example.com", "mail-ec", certstore.Next, "20260301-00:00:00")
	seed(t, certsDir, "example.com", "web-ec", certstore.Curr, "20260101-00:00:00")
	sslmtest.WriteFile(t, filepath.Join(certsDir, "example.com"), "tlsa.example.com",
		";;\n;; TLSA example.com : phase = normal\n;;\n_25._tcp.example.com. IN TLSA 3 1 1 abcd\n")

	rec := &remotetest.Recorder{}
	dns := &dnsRestarter{}
	d := &Deployer{
		CertsDir: certsDir,
		ProdDir:  filepath.Join(root, "prod"),
		Classes: []config.NamedServerClass{
			{Name: "smtp", ServerClass: config.ServerClass{
				Servers:    []string{"self.example.com", "mx2.example.com"},
				Depends:    []string{"cert"},
				RestartCmd: config.StringList{"systemctl reload postfix"},
			}},
			{Name: "imap", ServerClass: config.ServerClass{
				Servers: []string{"mx2.example.com", "imap.example.com"},
				SvcDepends: []config.SvcDepend{
					{Domain: "example.com", Services: []string{"mail-ec", "mail-rsa"}},
				},
				RestartCmd: config.StringList{"systemctl restart dovecot"},
			}},
			{Name: "web", ServerClass: config.ServerClass{
				Servers:      []string{"www.example.com"},
				SvcDepends:   []config.SvcDepend{{Domain: "*", Services: []string{"web-ec"}}},
				RestartCmd:   config.StringList{"systemctl reload nginx", "systemctl reload haproxy"},
				SkipProdCopy: true,
			}},
			{Name: "other"},
		},
		DNS: config.DNSConfig{
			RestartCmd: config.StringList{"/usr/bin/dns-tool"},
			Depends:    []string{"dns"},
		},
		PostCopy:   []config.PostCopyCmd{{Host: "mx2.example.com", Cmd: "/usr/local/bin/notify-mx"}},
		Runner:     rec,
		Syncer:     remote.NewRsync(rec),
		IsLocal:    func(h string) bool { return h == "" || h == "self.example.com" },
		Pusher:     dns,
		Privileged: true,
		Logger:     sslmtest.TestLogger(),
	}
	return &fixture{
		d:   d,
		rec: rec,
		dns: dns,
		groups: []config.GroupServices{
			{Group: "example.com", Services: []string{"mail-ec", "web-ec"}},
		},
	}
}

func changed(group string, svcs ...string) *changes.GroupChanges {
	ch := changes.New()
	gc := changes.NewGroupChange()
	for _, s := range svcs {
		gc.AddService(s, false, true)
	}
	ch.Add(group, gc)
	return ch
}

func TestCertsToProduction(t *testing.T) {
	f := newFixture(t)
	ctx := sslmtest.Context(t)

	rep, err := f.d.CertsToProduction(ctx, changed("example.com", "mail-ec"), f.groups, false)
	if err != nil {
		t.Fatalf("CertsToProduction: %v", err)
	}
	if !rep.Copied || rep.Hosts != 2 || rep.Failures != 0 {
		t.Errorf("report = %+v", rep)
	}

	prod := f.d.ProdDir
	for _, p := range []string{
		"example.com/mail-ec/curr/cert.pem",
		"example.com/mail-ec/next/bundle.pem",
		"example.com/web-ec/curr/privkey.pem",
		"example.com/tlsa.example.com",
	} {
		if !exists(filepath.Join(prod, p)) {
			t.Errorf("missing %s", p)
		}
	}
	if _, err := os.Stat(filepath.Join(prod, "example.com/web-ec/next")); !os.IsNotExist(err) {
		t.Errorf("empty next slot copied: %v", err)
	}
	if got := sslmtest.ReadFile(t, filepath.Join(prod, "example.com/mail-ec/next/cert.pem")); got != "cert.pem 20260301-00:00:00\n" {
		t.Errorf("next cert = %q", got)
	}

	want := []string{
		"local: /usr/bin/rsync -a --delete --mkpath " + prod + "/ mx2.example.com:" + prod + "/",
		"local: /usr/bin/rsync -a --delete --mkpath " + prod + "/ imap.example.com:" + prod + "/",
		"local: /usr/local/bin/notify-mx mx2.example.com",
	}
	if got := f.rec.Strings(); !slices.Equal(got, want) {
		t.Errorf("calls:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if synced, m := CheckProductionSynced(f.d.CertsDir, prod, f.groups); !synced {
		t.Errorf("not synced after copy: %v", m)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCertsToProductionNoChanges(t *testing.T) {
	f := newFixture(t)
	ctx := sslmtest.Context(t)
	if _, err := f.d.CertsToProduction(ctx, changes.New(), f.groups, true); err != nil {
		t.Fatal(err)
	}
	f.rec.Calls = nil

	rep, err := f.d.CertsToProduction(ctx, changes.New(), f.groups, false)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Copied || len(f.rec.Calls) != 0 {
		t.Errorf("copied without changes: %+v %v", rep, f.rec.Strings())
	}
}

// A production file altered by hand triggers a copy with no change flags.
func TestCertsToProductionResyncs(t *testing.T) {
	f := newFixture(t)
	ctx := sslmtest.Context(t)
	if _, err := f.d.CertsToProduction(ctx, changes.New(), f.groups, true); err != nil {
		t.Fatal(err)
	}

	altered := filepath.Join(f.d.ProdDir, "example.com/mail-ec/curr/cert.pem")
	sslmtest.WriteFile(t, filepath.Dir(altered), "cert.pem", "tampered\n")
	synced, mismatches := CheckProductionSynced(f.d.CertsDir, f.d.ProdDir, f.groups)
	if synced || len(mismatches) != 1 || !strings.Contains(mismatches[0], "cert.pem") {
		t.Fatalf("synced = %v, mismatches = %v", synced, mismatches)
	}

	rep, err := f.d.CertsToProduction(ctx, changes.New(), f.groups, false)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Copied {
		t.Errorf("out of sync production not copied")
	}
	if got := sslmtest.ReadFile(t, altered); got != "cert.pem 20260101-00:00:00\n" {
		t.Errorf("cert.pem = %q", got)
	}
}

func TestCheckProductionSynced(t *testing.T) {
	f := newFixture(t)
	ctx := sslmtest.Context(t)

	if synced, _ := CheckProductionSynced(filepath.Join(t.TempDir(), "none"), f.d.ProdDir, f.groups); !synced {
		t.Errorf("missing cert dir reported out of sync")
	}
	if synced, m := CheckProductionSynced(f.d.CertsDir, f.d.ProdDir, f.groups); synced || !strings.Contains(m[0], "group missing") {
		t.Errorf("empty production: synced = %v %v", synced, m)
	}

	if _, err := f.d.CertsToProduction(ctx, changes.New(), f.groups, true); err != nil {
		t.Fatal(err)
	}
	tlsaFile := filepath.Join(f.d.ProdDir, "example.com", "tlsa.example.com")
	sslmtest.WriteFile(t, filepath.Dir(tlsaFile), "tlsa.example.com",
		"; copied by hand\n_25._tcp.example.com.   IN TLSA 3 1 1 abcd\n")
	if synced, m := CheckProductionSynced(f.d.CertsDir, f.d.ProdDir, f.groups); !synced {
		t.Errorf("comment and spacing changes reported: %v", m)
	}

	if err := os.RemoveAll(filepath.Join(f.d.ProdDir, "example.com/mail-ec/next")); err != nil {
		t.Fatal(err)
	}
	if synced, m := CheckProductionSynced(f.d.CertsDir, f.d.ProdDir, f.groups); synced || !strings.HasSuffix(m[0], "mail-ec/next") {
		t.Errorf("missing production slot: synced = %v %v", synced, m)
	}
}

func TestCertsToProductionRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.rec.Fail = []string{"mx2.example.com:"}

	rep, err := f.d.CertsToProduction(sslmtest.Context(t), changed("example.com", "mail-ec"), f.groups, false)
	if !errors.Is(err, ErrRemoteCopy) {
		t.Fatalf("err = %v, want ErrRemoteCopy", err)
	}
	if rep.Failures != 1 || rep.Hosts != 2 {
		t.Errorf("report = %+v", rep)
	}
	if got := f.rec.Strings(); len(got) != 3 || !strings.Contains(got[1], "imap.example.com:") {
		t.Errorf("remaining hosts not tried: %v", got)
	}
}

func TestCertsToProductionPostCopyFailure(t *testing.T) {
	f := newFixture(t)
	f.rec.Fail = []string{"notify-mx"}
	rep, err := f.d.CertsToProduction(sslmtest.Context(t), changes.New(), f.groups, true)
	if err != nil {
		t.Fatalf("post copy failure is not fatal: %v", err)
	}
	if rep.PostCopyFailures != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestCertsToProductionDebug(t *testing.T) {
	f := newFixture(t)
	f.d.Debug = true
	if _, err := f.d.CertsToProduction(sslmtest.Context(t), changes.New(), f.groups, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f.d.ProdDir); !os.IsNotExist(err) {
		t.Errorf("debug run created %s", f.d.ProdDir)
	}
}

func TestCertsToProductionNoProdDir(t *testing.T) {
	f := newFixture(t)
	f.d.ProdDir = ""
	if _, err := f.d.CertsToProduction(sslmtest.Context(t), changes.New(), f.groups, true); !errors.Is(err, ErrNoProdDir) {
		t.Errorf("err = %v, want ErrNoProdDir", err)
	}
}
