// internal/pki/sign.go
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// MinSignDays is the shortest validity a local signer issues.
const MinSignDays = 90

// SignOptions control local issuance.
type SignOptions struct {
	Days   int    // validity; raised to MinSignDays
	Digest string // sha256 | sha384 | sha512; "" is sha384
	Now    time.Time
}

// SelfSign issues a certificate for csrPEM signed by its own key. The
// subject doubles as the issuer and the request extensions are copied.
func SelfSign(key crypto.Signer, csrPEM []byte, opts SignOptions) ([]byte, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	if !KeyMatches(key, csr.PublicKey) {
		return nil, fmt.Errorf("pki: self sign: key does not match csr")
	}
	tmpl, err := templateFromCSR(csr, opts)
	if err != nil {
		return nil, err
	}
	tmpl.SignatureAlgorithm = signatureAlgorithm(key, opts.Digest)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, csr.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: self sign: %w", err)
	}
	return encodeCert(der), nil
}

// SignWithCA issues a certificate for csrPEM signed by the CA key and cert.
func SignWithCA(caKey crypto.Signer, caCert *x509.Certificate, csrPEM []byte, opts SignOptions) ([]byte, error) {
	if !caCert.IsCA {
		return nil, fmt.Errorf("pki: %s is not a CA certificate", caCert.Subject.CommonName)
	}
	if !KeyMatches(caKey, caCert.PublicKey) {
		return nil, fmt.Errorf("pki: CA key does not match CA certificate")
	}
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	tmpl, err := templateFromCSR(csr, opts)
	if err != nil {
		return nil, err
	}
	tmpl.SignatureAlgorithm = signatureAlgorithm(caKey, opts.Digest)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("pki: sign with %s: %w", caCert.Subject.CommonName, err)
	}
	return encodeCert(der), nil
}

func templateFromCSR(csr *x509.CertificateRequest, opts SignOptions) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: serial number: %w", err)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	days := max(opts.Days, MinSignDays)

	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         csr.Subject,
		NotBefore:       now.UTC(),
		NotAfter:        now.UTC().AddDate(0, 0, days),
		DNSNames:        csr.DNSNames,
		IPAddresses:     csr.IPAddresses,
		EmailAddresses:  csr.EmailAddresses,
		ExtraExtensions: csr.Extensions,
	}
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(oidBasicConstraints) {
			continue
		}
		var bc basicConstraints
		if _, err := asn1.Unmarshal(ext.Value, &bc); err != nil {
			return nil, fmt.Errorf("pki: csr basic constraints: %w", err)
		}
		tmpl.BasicConstraintsValid = true
		tmpl.IsCA = bc.IsCA
	}
	return tmpl, nil
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
