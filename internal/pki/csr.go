// internal/pki/csr.go
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"net"

	"github.com/dalemusser/sslmgr/config"
)

var (
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}

	extKeyUsages = []asn1.ObjectIdentifier{
		{1, 3, 6, 1, 5, 5, 7, 3, 1}, // serverAuth
		{1, 3, 6, 1, 5, 5, 7, 3, 2}, // clientAuth
		{1, 3, 6, 1, 5, 5, 7, 3, 4}, // emailProtection
		{1, 3, 6, 1, 5, 5, 7, 3, 3}, // codeSigning
		{1, 3, 6, 1, 5, 5, 7, 3, 8}, // timeStamping
	}
)

// key usage bit positions, RFC 5280 4.2.1.3
const (
	kuDigitalSignature = 0
	kuKeyEncipherment  = 2
	kuKeyAgreement     = 4
	kuCertSign         = 5
	kuCRLSign          = 6
)

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

// BuildCSR creates a PEM certificate request for name signed with key.
// SANs that parse as IP addresses become IP SANs. CA requests carry
// basicConstraints CA=true plus the cert and CRL signing key usages.
func BuildCSR(key crypto.Signer, name config.X509Name, isCA bool, digest string) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:            subject(name),
		SignatureAlgorithm: signatureAlgorithm(key, digest),
	}
	sans := name.SANs
	if name.CN != "" && !contains(sans, name.CN) && !isCA {
		sans = append([]string{name.CN}, sans...)
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, san)
		}
	}
	if name.Email != "" {
		tmpl.EmailAddresses = []string{name.Email}
	}

	exts, err := requestExtensions(key, isCA)
	if err != nil {
		return nil, err
	}
	tmpl.ExtraExtensions = exts

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, fmt.Errorf("pki: create csr: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ParseCSR decodes and verifies a PEM certificate request.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("pki: csr signature: %w", err)
	}
	return csr, nil
}

func subject(n config.X509Name) pkix.Name {
	s := pkix.Name{CommonName: n.CN}
	if n.O != "" {
		s.Organization = []string{n.O}
	}
	if n.OU != "" {
		s.OrganizationalUnit = []string{n.OU}
	}
	if n.L != "" {
		s.Locality = []string{n.L}
	}
	if n.ST != "" {
		s.Province = []string{n.ST}
	}
	if n.C != "" {
		s.Country = []string{n.C}
	}
	return s
}

func requestExtensions(key crypto.Signer, isCA bool) ([]pkix.Extension, error) {
	bc, err := asn1.Marshal(basicConstraints{IsCA: isCA, MaxPathLen: -1})
	if err != nil {
		return nil, fmt.Errorf("pki: encode basic constraints: %w", err)
	}

	bits := []int{kuDigitalSignature, kuKeyEncipherment, kuKeyAgreement}
	if isCA {
		bits = append(bits, kuCertSign, kuCRLSign)
	}
	ku, err := asn1.Marshal(bitString(bits))
	if err != nil {
		return nil, fmt.Errorf("pki: encode key usage: %w", err)
	}

	eku, err := asn1.Marshal(extKeyUsages)
	if err != nil {
		return nil, fmt.Errorf("pki: encode ext key usage: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("pki: encode public key: %w", err)
	}
	sum := sha1.Sum(pub)
	skid, err := asn1.Marshal(sum[:])
	if err != nil {
		return nil, fmt.Errorf("pki: encode subject key id: %w", err)
	}

	return []pkix.Extension{
		{Id: oidBasicConstraints, Critical: true, Value: bc},
		{Id: oidKeyUsage, Value: ku},
		{Id: oidExtKeyUsage, Value: eku},
		{Id: oidSubjectKeyID, Value: skid},
	}, nil
}

func bitString(bits []int) asn1.BitString {
	var b [2]byte
	length := 0
	for _, bit := range bits {
		b[bit/8] |= 0x80 >> uint(bit%8)
		if bit+1 > length {
			length = bit + 1
		}
	}
	return asn1.BitString{Bytes: b[:(length+7)/8], BitLength: length}
}

// signatureAlgorithm maps a digest name (sha256, sha384, sha512) to the
// algorithm for key's type; "" picks sha384.
func signatureAlgorithm(key crypto.Signer, digest string) x509.SignatureAlgorithm {
	if digest == "" {
		digest = "sha384"
	}
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		switch digest {
		case "sha256":
			return x509.ECDSAWithSHA256
		case "sha512":
			return x509.ECDSAWithSHA512
		}
		return x509.ECDSAWithSHA384
	case *rsa.PublicKey:
		switch digest {
		case "sha256":
			return x509.SHA256WithRSA
		case "sha512":
			return x509.SHA512WithRSA
		}
		return x509.SHA384WithRSA
	}
	// ed25519 signs the message itself
	return x509.UnknownSignatureAlgorithm
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
