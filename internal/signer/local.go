// internal/signer/local.go
package signer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/pki"
)

// SelfSigner signs a certificate with its own key. The service must have a
// [CA] section giving the validity and digest; chain and fullchain are the
// certificate itself.
type SelfSigner struct {
	Now func() time.Time
}

func (s *SelfSigner) Sign(_ context.Context, req Request) (Result, error) {
	if req.Conf.CA == nil {
		return Result{}, fmt.Errorf("self signed %s:%s needs a [CA] section", req.Group, req.Service)
	}
	cert, err := pki.SelfSign(req.Key, req.CSRPEM, pki.SignOptions{
		Days:   req.Conf.CA.SignEndDays,
		Digest: req.Conf.CA.Digest,
		Now:    now(s.Now),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Cert: cert, Chain: cert, Fullchain: cert}, nil
}

// LocalCASigner signs with a local CA: the service named by the CA in
// group "ca", using its curr key and certificate. The chain is the CA's
// fullchain.
type LocalCASigner struct {
	ConfDir  string
	CertsDir string
	Now      func() time.Time
}

func (l *LocalCASigner) Sign(_ context.Context, req Request) (Result, error) {
	caName := req.CA.Name
	if caName == "" {
		caName = req.Conf.SigningCA
	}
	caConf, err := config.LoadService(l.ConfDir, CAGroup, caName)
	if err != nil {
		return Result{}, err
	}
	store, err := certstore.Open(l.CertsDir, CAGroup, caName)
	if err != nil {
		return Result{}, err
	}
	if store.Slot(certstore.Curr) == "" {
		return Result{}, fmt.Errorf("CA %s: %w", caName, certstore.ErrNoCurr)
	}

	caKey, err := pki.ReadKey(store.Path(certstore.Curr, certstore.PrivKey))
	if err != nil {
		return Result{}, fmt.Errorf("CA %s key: %w", caName, err)
	}
	caCert, err := pki.ReadCert(store.Path(certstore.Curr, certstore.Cert))
	if err != nil {
		return Result{}, fmt.Errorf("CA %s cert: %w", caName, err)
	}
	chain, err := os.ReadFile(store.Path(certstore.Curr, certstore.Fullchain))
	if err != nil {
		return Result{}, fmt.Errorf("CA %s fullchain: %w", caName, err)
	}

	opts := pki.SignOptions{Now: now(l.Now)}
	if caConf.CA != nil {
		opts.Days = caConf.CA.SignEndDays
		opts.Digest = caConf.CA.Digest
	}
	cert, err := pki.SignWithCA(caKey, caCert.Cert, req.CSRPEM, opts)
	if err != nil {
		return Result{}, err
	}
	full := append(append([]byte(nil), cert...), chain...)
	return Result{Cert: cert, Chain: chain, Fullchain: full}, nil
}

func now(f func() time.Time) time.Time {
	if f == nil {
		return time.Now()
	}
	return f()
}
