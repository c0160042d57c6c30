// internal/tlsa/tlsa.go
// Package tlsa builds DANE TLSA records for a service certificate and
// merges every service's records into the group's zone include file.
package tlsa

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/pki"
	"github.com/dalemusser/sslmgr/pantry/crypto"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
)

// Records returns the TLSA rows for cert under each dane policy. Every
// policy gets a row for the apex; port 25 or subtype MX adds one per mail
// exchanger, otherwise one per SAN.
func Records(cert *x509.Certificate, dane []config.DaneTLS, apex string, sans, mxHosts []string) ([]string, error) {
	apex = strings.TrimSuffix(apex, ".")
	var rows []string
	for _, d := range dane {
		data, err := pki.TLSAData(cert, d.Selector, d.MatchType)
		if err != nil {
			return nil, fmt.Errorf("tlsa: %s _%d._%s: %w", apex, d.Port, d.Proto, err)
		}
		rdata := fmt.Sprintf("%d %d %d %s", d.Usage, d.Selector, d.MatchType, data)

		hosts := sans
		if strings.EqualFold(d.Subtype, "MX") || d.Port == 25 {
			hosts = mxHosts
		}
		rows = append(rows, fmt.Sprintf("_%d._%s.%s. IN TLSA %s", d.Port, d.Proto, apex, rdata))
		for _, h := range hosts {
			h = fqdn(h)
			if h == apex+"." {
				continue
			}
			rows = append(rows, fmt.Sprintf("_%d._%s.%s IN TLSA %s", d.Port, d.Proto, h, rdata))
		}
	}
	return rows, nil
}

// FragmentHeader heads a service's tlsa.rr file.
func FragmentHeader(apex, service, gen string) string {
	return fmt.Sprintf(";;\n;; tlsa %s %s %s\n;;\n", apex, service, gen)
}

// WriteFragment writes a service's rows to path.
func WriteFragment(path, apex, service, gen string, rows []string) error {
	data := FragmentHeader(apex, service, gen) + strings.Join(rows, "\n") + "\n"
	if err := fileutil.WriteAtomic(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("tlsa: write %s: %w", path, err)
	}
	return nil
}

// Hash is the comment- and whitespace-insensitive hash of a TLSA file;
// empty for a missing file.
func Hash(path string) (string, error) {
	return crypto.FileContentHash(path, ";")
}

func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
