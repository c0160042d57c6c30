package tlsa

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/pki"
	sslmtest "github.com/dalemusser/sslmgr/pantry/testing"
)

func leaf(t *testing.T) *pki.CertInfo {
	t.Helper()
	key, _, err := pki.GenerateKey(config.KeyOpts{KType: "ec", ECAlgo: "secp256r1"})
	if err != nil {
		t.Fatal(err)
	}
	csr, err := pki.BuildCSR(key, config.X509Name{CN: "example.com", SANs: []string{"mail.example.com"}}, false, "")
	if err != nil {
		t.Fatal(err)
	}
	certPEM, err := pki.SelfSign(key, csr, pki.SignOptions{Now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	info, err := pki.ParseCert(certPEM)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestRecords(t *testing.T) {
	info := leaf(t)
	dane := []config.DaneTLS{
		{Port: 25, Proto: "tcp", Usage: 3, Selector: 1, MatchType: 1},
		{Port: 443, Proto: "tcp", Usage: 3, Selector: 1, MatchType: 1},
		{Port: 993, Proto: "tcp", Usage: 3, Selector: 0, MatchType: 2, Subtype: "mx"},
	}
	sans := []string{"example.com", "www.example.com"}
	mx := []string{"mx1.example.com.", "mx2.example.net."}

	rows, err := Records(info.Cert, dane, "example.com", sans, mx)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	spki, _ := pki.TLSAData(info.Cert, 1, 1)
	full, _ := pki.TLSAData(info.Cert, 0, 2)
	want := []string{
		"_25._tcp.example.com. IN TLSA 3 1 1 " + spki,
		"_25._tcp.mx1.example.com. IN TLSA 3 1 1 " + spki,
		"_25._tcp.mx2.example.net. IN TLSA 3 1 1 " + spki,
		"_443._tcp.example.com. IN TLSA 3 1 1 " + spki,
		"_443._tcp.www.example.com. IN TLSA 3 1 1 " + spki,
		"_993._tcp.example.com. IN TLSA 3 0 2 " + full,
		"_993._tcp.mx1.example.com. IN TLSA 3 0 2 " + full,
		"_993._tcp.mx2.example.net. IN TLSA 3 0 2 " + full,
	}
	if len(rows) != len(want) {
		t.Fatalf("rows =\n%s\nwant\n%s", strings.Join(rows, "\n"), strings.Join(want, "\n"))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %q, want %q", i, rows[i], want[i])
		}
	}

	if _, err := Records(info.Cert, []config.DaneTLS{{Port: 443, Proto: "tcp", Selector: 5, MatchType: 1}}, "example.com", sans, nil); err == nil {
		t.Errorf("bad selector accepted")
	}
}

func TestWriteFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tlsa.rr")
	if err := WriteFragment(path, "example.com", "mail-ec", "20260501-10:00:00", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	want := ";;\n;; tlsa example.com mail-ec 20260501-10:00:00\n;;\na\nb\n"
	if got := sslmtest.ReadFile(t, path); got != want {
		t.Errorf("fragment = %q, want %q", got, want)
	}
}

func TestAggregate(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(3 * time.Hour)

	rowA := "_25._tcp.example.com. IN TLSA 3 1 1 aaaa"
	rowB := "_25._tcp.example.com. IN TLSA 3 1 1 bbbb"
	frags := []Fragment{
		{"mail-ec", "curr", sslmtest.WriteFileAt(t, dir, "mail-ec/curr/tlsa.rr", ";;\n;; tlsa x\n;;\n"+rowA+"\n", t1)},
		{"mail-ec", "next", sslmtest.WriteFileAt(t, dir, "mail-ec/next/tlsa.rr", ";;\n"+rowA+"\n"+rowB+"\n", t2)},
		{"mail-rsa", "curr", sslmtest.WriteFileAt(t, dir, "mail-rsa/curr/tlsa.rr", rowA+"\n", t1)},
		{"web", "curr", filepath.Join(dir, "web/curr/tlsa.rr")},
	}
	out := filepath.Join(dir, FileName("example.com"))

	wrote, err := Aggregate(out, "example.com", PhaseNormal, frags)
	if err != nil || !wrote {
		t.Fatalf("Aggregate = %v, %v", wrote, err)
	}
	want := ";;\n;; TLSA example.com : phase = normal\n;;\n" +
		";;\n;; mail-ec curr\n;;\n" + rowA + "\n" +
		";;\n;; mail-ec next\n;;\n;; " + rowA + "\n" + rowB + "\n" +
		";;\n;; mail-rsa curr\n;;\n;; " + rowA + "\n" +
		"\n"
	first := sslmtest.ReadFile(t, out)
	if first != want {
		t.Errorf("aggregate =\n%s\nwant\n%s", first, want)
	}
	if mt := fileModTime(t, out); !mt.Equal(t2) {
		t.Errorf("mtime = %v, want %v", mt, t2)
	}

	// unchanged inputs give byte-identical output
	for i := 0; i < 3; i++ {
		if _, err := Aggregate(out, "example.com", PhaseNormal, frags); err != nil {
			t.Fatal(err)
		}
		if again := sslmtest.ReadFile(t, out); again != first {
			t.Fatalf("run %d differs:\n%s", i+2, again)
		}
	}

	h1, _ := Hash(out)
	if _, err := Aggregate(out, "example.com", PhaseRoll, frags); err != nil {
		t.Fatal(err)
	}
	h2, _ := Hash(out)
	if h1 != h2 {
		t.Errorf("phase header changed the content hash")
	}
}

func TestAggregateNoRows(t *testing.T) {
	dir := t.TempDir()
	frag := sslmtest.WriteFile(t, dir, "svc/curr/tlsa.rr", ";;\n;; tlsa only comments\n;;\n")
	out := filepath.Join(dir, "tlsa.example.com")
	wrote, err := Aggregate(out, "example.com", PhaseNormal, []Fragment{{"svc", "curr", frag}})
	if err != nil || wrote {
		t.Errorf("Aggregate = %v, %v; want not written", wrote, err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("file created without rows")
	}
}

func TestHashMissing(t *testing.T) {
	h, err := Hash(filepath.Join(t.TempDir(), "none"))
	if err != nil || h != "" {
		t.Errorf("Hash(missing) = %q, %v", h, err)
	}
}

func fileModTime(t *testing.T, path string) time.Time {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return fi.ModTime()
}
