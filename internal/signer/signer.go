// internal/signer/signer.go
// Package signer turns a service's CSR into a signed certificate. The
// Dispatcher picks the back end named by the service's signing_ca and
// writes the result into the generation directory.
package signer

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
)

// CAGroup is the group holding local certificate authorities.
const CAGroup = "ca"

var (
	ErrUnknownCA     = errors.New("signer: unknown signing CA")
	ErrUnknownCAType = errors.New("signer: unknown CA type")
	ErrNoSigner      = errors.New("signer: no signer configured for CA type")
	ErrEmptyCert     = errors.New("signer: no certificate returned")
	ErrDomain        = errors.New("signer: group does not match certificate CN")
)

// Request is one signing request. Dir is the generation directory of the
// next slot; CBDir is the service's ACME working directory.
type Request struct {
	Group   string
	Service string
	Conf    *config.ServiceConfig
	CA      config.CAInfo
	Dir     string
	CBDir   string
	Key     crypto.Signer
	KeyPEM  []byte
	CSRPEM  []byte
}

// Domains returns the CN followed by the remaining SANs.
func (r Request) Domains() []string {
	out := []string{r.Conf.X509.CN}
	for _, s := range r.Conf.X509.SANs {
		if s != r.Conf.X509.CN {
			out = append(out, s)
		}
	}
	return out
}

// Result holds PEM data. An empty Cert means nothing was signed.
type Result struct {
	Cert      []byte
	Chain     []byte
	Fullchain []byte
}

// Signer signs one request.
type Signer interface {
	Sign(ctx context.Context, req Request) (Result, error)
}

// Dispatcher routes requests to the signer for the service's CA.
type Dispatcher struct {
	CAInfos config.CAInfos
	Self    Signer
	Local   Signer
	Certbot Signer
	ACME    Signer
	Debug   bool
	Logger  *zap.Logger
}

// Select returns the signer and CA for svc. An empty or "self" signing_ca
// is a self signed certificate.
func (d *Dispatcher) Select(svc *config.ServiceConfig) (Signer, config.CAInfo, error) {
	name := svc.SigningCA
	if name == "" || name == config.CATypeSelf {
		info, _ := d.CAInfos.Get(config.CATypeSelf)
		info.Name = config.CATypeSelf
		info.Type = config.CATypeSelf
		return d.pick(d.Self, "self", info)
	}

	info, ok := d.CAInfos.Get(name)
	if !ok {
		return nil, config.CAInfo{}, fmt.Errorf("%w: %s", ErrUnknownCA, name)
	}
	switch strings.ToLower(info.Type) {
	case config.CATypeSelf, config.CATypeLocal:
		return d.pick(d.Local, "local", info)
	case config.CATypeCertbot, config.CATypeLetsEncrypt:
		return d.pick(d.Certbot, "certbot", info)
	case config.CATypeACME:
		return d.pick(d.ACME, "acme", info)
	}
	return nil, info, fmt.Errorf("%w: %s (%s)", ErrUnknownCAType, info.Type, name)
}

func (d *Dispatcher) pick(s Signer, kind string, info config.CAInfo) (Signer, config.CAInfo, error) {
	if s == nil {
		return nil, info, fmt.Errorf("%w: %s", ErrNoSigner, kind)
	}
	return s, info, nil
}

// Sign signs req and writes cert, chain, fullchain and the bundle (key
// followed by fullchain) into req.Dir. The dispatcher does not retry. In
// debug mode an empty result is not an error and nothing is written.
func (d *Dispatcher) Sign(ctx context.Context, req Request) (Result, error) {
	s, info, err := d.Select(req.Conf)
	if err != nil {
		return Result{}, err
	}
	req.CA = info

	res, err := s.Sign(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("signer: %s:%s with %s: %w", req.Group, req.Service, info.Name, err)
	}
	if len(res.Cert) == 0 {
		if d.Debug {
			d.logger().Info("debug: no cert generated", zap.String("group", req.Group), zap.String("service", req.Service))
			return res, nil
		}
		return Result{}, fmt.Errorf("%w: %s:%s", ErrEmptyCert, req.Group, req.Service)
	}
	if len(res.Fullchain) == 0 {
		res.Fullchain = append(append([]byte(nil), res.Cert...), res.Chain...)
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{certstore.Cert, res.Cert, 0o644},
		{certstore.Chain, res.Chain, 0o644},
		{certstore.Fullchain, res.Fullchain, 0o644},
		{certstore.Bundle, append(append([]byte(nil), req.KeyPEM...), res.Fullchain...), 0o600},
	}
	for _, f := range files {
		path := filepath.Join(req.Dir, f.name)
		if err := fileutil.WriteAtomic(path, f.data, f.perm); err != nil {
			return Result{}, fmt.Errorf("signer: write %s: %w", path, err)
		}
	}
	return res, nil
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
