// internal/pki/cert.go
package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	sslcrypto "github.com/dalemusser/sslmgr/pantry/crypto"
	"github.com/go-acme/lego/v4/certcrypto"
)

// CertInfo is the parsed leaf certificate of a PEM file plus the values the
// status display and renewal decision use.
type CertInfo struct {
	Cert      *x509.Certificate
	NotBefore time.Time
	NotAfter  time.Time
	Subject   string
	Issuer    string
	SANs      []string
	KeyAlgo   string
}

const day = 24 * time.Hour

// ParseCert decodes the first certificate of a PEM bundle.
func ParseCert(data []byte) (*CertInfo, error) {
	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return nil, fmt.Errorf("pki: parse certificate: %w", err)
	}
	c := certs[0]
	info := &CertInfo{
		Cert:      c,
		NotBefore: c.NotBefore,
		NotAfter:  c.NotAfter,
		Subject:   c.Subject.String(),
		Issuer:    c.Issuer.String(),
		SANs:      append([]string(nil), c.DNSNames...),
		KeyAlgo:   keyAlgo(c),
	}
	for _, ip := range c.IPAddresses {
		info.SANs = append(info.SANs, ip.String())
	}
	return info, nil
}

// ReadCert reads and parses a PEM certificate file. A missing file returns
// an error satisfying errors.Is(err, fs.ErrNotExist).
func ReadCert(path string) (*CertInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCert(data)
}

// DaysLeft is the remaining validity in fractional days.
func (c *CertInfo) DaysLeft(now time.Time) float64 {
	return float64(c.NotAfter.Sub(now)) / float64(day)
}

// LifetimeDays is the validity span at issue in fractional days.
func (c *CertInfo) LifetimeDays() float64 {
	return float64(c.NotAfter.Sub(c.NotBefore)) / float64(day)
}

// Age is the time since issue.
func (c *CertInfo) Age(now time.Time) time.Duration {
	return now.Sub(c.NotBefore)
}

// ExpiryString formats the remaining validity as "<days> days + HH:MM:SS".
func (c *CertInfo) ExpiryString(now time.Time) string {
	return spanString(c.NotAfter.Sub(now))
}

// IssuedString formats the age as "<days> days + HH:MM:SS ago. <n> day cert".
func (c *CertInfo) IssuedString(now time.Time) string {
	return fmt.Sprintf("%s ago. %.0f day cert", spanString(c.Age(now)), c.LifetimeDays())
}

func spanString(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	days := int(d / day)
	rest := d % day
	h := int(rest / time.Hour)
	m := int(rest % time.Hour / time.Minute)
	s := int(rest % time.Minute / time.Second)
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%4d days + %02d:%02d:%02d", sign, days, h, m, s)
}

func keyAlgo(c *x509.Certificate) string {
	switch c.PublicKeyAlgorithm {
	case x509.ECDSA:
		if pub, ok := c.PublicKey.(*ecdsa.PublicKey); ok {
			return "ec " + pub.Curve.Params().Name
		}
		return "ec"
	case x509.RSA:
		if pub, ok := c.PublicKey.(*rsa.PublicKey); ok {
			return fmt.Sprintf("rsa %d", pub.N.BitLen())
		}
		return "rsa"
	case x509.Ed25519:
		return "ed25519"
	}
	return strings.ToLower(c.PublicKeyAlgorithm.String())
}

// TLSAData returns the hex association data of a TLSA record for cert.
// selector 0 uses the whole certificate, 1 the SubjectPublicKeyInfo;
// matching type 0 is the raw data, 1 SHA-256, 2 SHA-512.
func TLSAData(cert *x509.Certificate, selector, matchType int) (string, error) {
	var data []byte
	switch selector {
	case 0:
		data = cert.Raw
	case 1:
		data = cert.RawSubjectPublicKeyInfo
	default:
		return "", fmt.Errorf("pki: tlsa selector %d", selector)
	}
	switch matchType {
	case 0:
		return hex.EncodeToString(data), nil
	case 1:
		return sslcrypto.SHA256Hex(data), nil
	case 2:
		return sslcrypto.SHA512Hex(data), nil
	}
	return "", fmt.Errorf("pki: tlsa matching type %d", matchType)
}
