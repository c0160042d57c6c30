// internal/pki/key.go
// Package pki holds the key, CSR and certificate primitives the signers and
// TLSA writer build on.
package pki

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/dalemusser/sslmgr/config"
	"github.com/go-acme/lego/v4/certcrypto"
)

var (
	ErrKeyType   = errors.New("pki: unsupported key type")
	ErrNoPEM     = errors.New("pki: no PEM data found")
	ErrNotSigner = errors.New("pki: private key cannot sign")
)

// GenerateKey creates a private key as described by opts and returns it
// together with its PEM encoding.
func GenerateKey(opts config.KeyOpts) (crypto.Signer, []byte, error) {
	switch opts.KType {
	case "ec":
		kt := certcrypto.EC384
		if opts.Curve() == "P-256" {
			kt = certcrypto.EC256
		}
		return generateLego(kt)

	case "rsa":
		switch opts.RSABits {
		case 2048:
			return generateLego(certcrypto.RSA2048)
		case 3072:
			return generateLego(certcrypto.RSA3072)
		case 4096:
			return generateLego(certcrypto.RSA4096)
		case 8192:
			return generateLego(certcrypto.RSA8192)
		}
		if opts.RSABits < 2048 {
			return nil, nil, fmt.Errorf("%w: rsa %d bits", ErrKeyType, opts.RSABits)
		}
		key, err := rsa.GenerateKey(rand.Reader, opts.RSABits)
		if err != nil {
			return nil, nil, fmt.Errorf("pki: generate rsa key: %w", err)
		}
		return key, certcrypto.PEMEncode(key), nil

	case "ed25519":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("pki: generate ed25519 key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("pki: encode ed25519 key: %w", err)
		}
		return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrKeyType, opts.KType)
}

func generateLego(kt certcrypto.KeyType) (crypto.Signer, []byte, error) {
	pk, err := certcrypto.GeneratePrivateKey(kt)
	if err != nil {
		return nil, nil, fmt.Errorf("pki: generate %s key: %w", kt, err)
	}
	signer, ok := pk.(crypto.Signer)
	if !ok {
		return nil, nil, ErrNotSigner
	}
	return signer, certcrypto.PEMEncode(pk), nil
}

// ParseKey decodes a PEM private key (PKCS#1, SEC 1 or PKCS#8).
func ParseKey(data []byte) (crypto.Signer, error) {
	pk, err := certcrypto.ParsePEMPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("pki: parse private key: %w", err)
	}
	signer, ok := pk.(crypto.Signer)
	if !ok {
		return nil, ErrNotSigner
	}
	return signer, nil
}

// ReadKey reads and decodes a PEM private key file.
func ReadKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKey(data)
}

// KeyMatches reports whether key is the private half of pub's key pair.
func KeyMatches(key crypto.Signer, pub crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	e, ok := key.Public().(equaler)
	return ok && e.Equal(pub)
}
