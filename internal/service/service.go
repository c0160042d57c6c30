// internal/service/service.go
// Package service runs the per-service steps (keys, csr, cert, roll) of one
// group:service pair against its certificate store.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/pki"
	"github.com/dalemusser/sslmgr/internal/readiness"
	"github.com/dalemusser/sslmgr/internal/renew"
	"github.com/dalemusser/sslmgr/internal/signer"
	"github.com/dalemusser/sslmgr/internal/tasks"
	"github.com/dalemusser/sslmgr/internal/tlsa"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
)

var (
	ErrNotReady = errors.New("service: step not ready")
	ErrNoNext   = errors.New("service: no next slot")
)

// Signer signs a request and stores the result in the request's Dir.
type Signer interface {
	Sign(ctx context.Context, req signer.Request) (signer.Result, error)
}

// Recorder is told about issued and rolled certificates.
type Recorder interface {
	CertIssued(group, service string)
	CertRolled(group, service string)
}

// Env is what every service of a run shares.
type Env struct {
	ConfDir     string
	CertsDir    string
	MinRollMins int
	Verb        bool

	// DNS is set when a DNS server is configured; TLSA fragments are only
	// generated then.
	DNS bool

	Signer    Signer
	Engine    *renew.Engine
	Authority func(ctx context.Context, apex string) (*dnscheck.Authority, error)
	Recorder  Recorder
	Now       func() time.Time
	Logger    *zap.Logger
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Service is one group:service pair.
type Service struct {
	Group string
	Name  string
	Conf  *config.ServiceConfig
	Store *certstore.Store

	// Readiness of each slot, refreshed after every step.
	Curr readiness.State
	Next readiness.State

	env *Env
	log *zap.Logger

	// cert mtimes when the service was opened
	currCertTime time.Time
	nextCertTime time.Time

	currChanged bool
	nextChanged bool

	decision *renew.Decision
}

// New loads the service config, opens its store and records the current
// cert times used to detect changes.
func New(env *Env, group, name string) (*Service, error) {
	conf, err := config.LoadService(env.ConfDir, group, name)
	if err != nil {
		return nil, err
	}
	store, err := certstore.Open(env.CertsDir, group, name, certstore.WithClock(env.now))
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		Group: group,
		Name:  name,
		Conf:  conf,
		Store: store,
		env:   env,
		log:   logger.With(zap.String("group", group), zap.String("service", name)),
	}
	s.Refresh()
	s.currCertTime = s.Curr.Cert.Time
	s.nextCertTime = s.Next.Cert.Time
	return s, nil
}

// Refresh recomputes the readiness of curr and next.
func (s *Service) Refresh() {
	s.Curr = readiness.Compute(s.Store.SlotDir(certstore.Curr), s.Conf.ModTime)
	s.Next = readiness.Compute(s.Store.SlotDir(certstore.Next), s.Conf.ModTime)
}

// DoTasks runs the steps of tl in their fixed order and stops at the first
// failure. With renew_cert set the service is skipped entirely until its
// curr certificate is due. gen names the next generation of this run.
func (s *Service) DoTasks(ctx context.Context, tl tasks.TaskList, gen string) error {
	if tl.RenewCert {
		if due, text := s.TimeToRenew(); !due {
			s.log.Info(text)
			s.log.Info("cert up to date, renew not needed")
			return nil
		}
	}
	for _, step := range tl.Steps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.log.Debug("step", zap.String("step", string(step)))
		if err := s.runStep(ctx, step, gen); err != nil {
			return fmt.Errorf("%s:%s %s: %w", s.Group, s.Name, step, err)
		}
	}
	return nil
}

func (s *Service) runStep(ctx context.Context, step tasks.Step, gen string) error {
	switch step {
	case tasks.StepStatus:
		return s.Status()
	case tasks.StepNewNext:
		return s.NewNext(gen)
	case tasks.StepNewKeys:
		return s.NewKeys()
	case tasks.StepCopyCurrToNext:
		return s.CopyCurrToNext()
	case tasks.StepNewCSR:
		return s.NewCSR()
	case tasks.StepNewCert:
		return s.NewCert(ctx)
	case tasks.StepRenewCert:
		return s.RenewCert(ctx)
	case tasks.StepNextToCurr:
		return s.NextToCurr()
	case tasks.StepRollNextToCurr:
		return s.RollNextToCurr()
	}
	return fmt.Errorf("service: unknown step %q", step)
}

// Changes reports whether the curr and next certificates changed since the
// service was opened: a step said so, the cert file is newer, or it now
// exists and did not before.
func (s *Service) Changes() (curr, next bool) {
	s.Refresh()
	if !s.currChanged {
		s.currChanged = changedSince(s.currCertTime, s.Curr.Cert.Time)
	}
	if !s.nextChanged {
		s.nextChanged = changedSince(s.nextCertTime, s.Next.Cert.Time)
	}
	return s.currChanged, s.nextChanged
}

func changedSince(start, now time.Time) bool {
	if start.IsZero() {
		return !now.IsZero()
	}
	return now.After(start)
}

// NewNext points next at the generation gen.
func (s *Service) NewNext(gen string) error {
	if _, err := s.Store.NewNext(gen); err != nil {
		return err
	}
	s.nextChanged = true
	s.Refresh()
	return nil
}

// NewKeys writes a new private key into next.
func (s *Service) NewKeys() error {
	if s.Store.Slot(certstore.Next) == "" {
		return ErrNoNext
	}
	if !s.Next.Key.Ready {
		return fmt.Errorf("%w: privkey", ErrNotReady)
	}
	_, keyPEM, err := pki.GenerateKey(s.Conf.KeyOpts)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(s.Store.Path(certstore.Next, certstore.PrivKey), keyPEM, 0o600); err != nil {
		return fmt.Errorf("service: write key: %w", err)
	}
	s.log.Info("new key pair", zap.String("ktype", s.Conf.KeyOpts.KType))
	s.nextChanged = true
	s.Refresh()
	return nil
}

// CopyCurrToNext copies the curr key and csr into next, keeping their
// times so the csr is not seen as stale.
func (s *Service) CopyCurrToNext() error {
	if err := s.Store.CopyKeyCSR(); err != nil {
		return err
	}
	s.Refresh()
	return nil
}

// NewCSR builds a csr in next from the next key and the service subject.
func (s *Service) NewCSR() error {
	if s.Store.Slot(certstore.Next) == "" {
		return ErrNoNext
	}
	if !s.Next.CSR.Ready {
		return fmt.Errorf("%w: csr requires keys", ErrNotReady)
	}
	key, err := pki.ReadKey(s.Store.Path(certstore.Next, certstore.PrivKey))
	if err != nil {
		return err
	}
	digest := ""
	if s.Conf.CA != nil {
		digest = s.Conf.CA.Digest
	}
	csr, err := pki.BuildCSR(key, s.Conf.X509, s.Conf.IsCA(), digest)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(s.Store.Path(certstore.Next, certstore.CSR), csr, 0o644); err != nil {
		return fmt.Errorf("service: write csr: %w", err)
	}
	s.nextChanged = true
	s.Refresh()
	return nil
}

// NewCert signs the next csr, then writes the next TLSA fragment.
func (s *Service) NewCert(ctx context.Context) error {
	if s.Store.Slot(certstore.Next) == "" {
		return ErrNoNext
	}
	if _, text := s.TimeToRenew(); text != "" {
		s.log.Info(text)
	}
	if !s.Next.Cert.Ready {
		return fmt.Errorf("%w: cert requires csr", ErrNotReady)
	}

	keyPEM, err := os.ReadFile(s.Store.Path(certstore.Next, certstore.PrivKey))
	if err != nil {
		return fmt.Errorf("service: read key: %w", err)
	}
	key, err := pki.ParseKey(keyPEM)
	if err != nil {
		return err
	}
	csrPEM, err := os.ReadFile(s.Store.Path(certstore.Next, certstore.CSR))
	if err != nil {
		return fmt.Errorf("service: read csr: %w", err)
	}

	res, err := s.env.Signer.Sign(ctx, signer.Request{
		Group:   s.Group,
		Service: s.Name,
		Conf:    s.Conf,
		Dir:     s.Store.SlotDir(certstore.Next),
		CBDir:   s.Store.CBDir,
		Key:     key,
		KeyPEM:  keyPEM,
		CSRPEM:  csrPEM,
	})
	if err != nil {
		return err
	}
	s.nextChanged = true
	s.Refresh()
	if len(res.Cert) == 0 {
		return nil
	}
	if s.env.Recorder != nil {
		s.env.Recorder.CertIssued(s.Group, s.Name)
	}

	if info := s.certInfo(certstore.Next); info != nil {
		s.log.Info("renewed cert expires",
			zap.String("expires", info.NotAfter.UTC().Format(time.DateTime)),
			zap.String("in", info.ExpiryString(s.env.now())))
	} else {
		s.log.Warn("renewed cert not found")
	}
	return s.TLSAUpdate(ctx, certstore.Next)
}

// TimeToRenew decides once per run whether the curr certificate is due
// and returns the decision with its status line.
func (s *Service) TimeToRenew() (bool, string) {
	info := s.certInfo(certstore.Curr)
	now := s.env.now()
	if s.decision == nil {
		engine := s.env.Engine
		if engine == nil {
			engine = renew.NewEngine(renew.DefaultTable())
		}
		d := engine.DecideCert(info, now)
		s.decision = &d
	}
	return s.decision.Renew, renew.Describe(*s.decision, info, now)
}

// RenewCert signs a new next certificate when curr is due.
func (s *Service) RenewCert(ctx context.Context) error {
	due, text := s.TimeToRenew()
	if !due {
		s.log.Info("cert up to date, renew not needed")
		return nil
	}
	s.log.Info(text)
	s.log.Info("renewing cert")
	return s.NewCert(ctx)
}

// TLSAUpdate writes the TLSA fragment of slot. Services without dane_tls,
// and runs without a DNS server, have none.
func (s *Service) TLSAUpdate(ctx context.Context, slot string) error {
	if len(s.Conf.DaneTLS) == 0 || !s.env.DNS {
		return nil
	}
	st := s.Next
	if slot == certstore.Curr {
		st = s.Curr
	}
	if !st.TLSA.Ready {
		return fmt.Errorf("%w: tlsa requires a %s cert", ErrNotReady, slot)
	}
	info, err := pki.ReadCert(s.Store.Path(slot, certstore.Cert))
	if err != nil {
		return err
	}

	var mx []string
	if needsMX(s.Conf.DaneTLS) && s.env.Authority != nil {
		auth, err := s.env.Authority(ctx, s.Group)
		if err != nil {
			return fmt.Errorf("service: mx hosts for %s: %w", s.Group, err)
		}
		mx = auth.MXNames()
	}
	rows, err := tlsa.Records(info.Cert, s.Conf.DaneTLS, s.Group, s.Conf.X509.SANs, mx)
	if err != nil {
		return err
	}
	if err := tlsa.WriteFragment(s.Store.Path(slot, certstore.TLSA), s.Group, s.Name, slot, rows); err != nil {
		return err
	}
	s.Refresh()
	return nil
}

func needsMX(dane []config.DaneTLS) bool {
	for _, d := range dane {
		if d.Port == 25 || d.Subtype == "MX" || d.Subtype == "mx" {
			return true
		}
	}
	return false
}

// NextToCurr promotes next unconditionally.
func (s *Service) NextToCurr() error {
	if err := s.Store.NextToCurr(); err != nil {
		return err
	}
	s.log.Info("next moved to curr", zap.String("curr", s.Store.Slot(certstore.Curr)))
	s.currChanged = true
	s.nextChanged = true
	s.decision = nil
	if s.env.Recorder != nil {
		s.env.Recorder.CertRolled(s.Group, s.Name)
	}
	s.Refresh()
	return nil
}

// RollNextToCurr promotes next once its certificate is old enough for the
// TLSA records advertising it to have spread. Nothing to roll and too soon
// to roll are not errors.
func (s *Service) RollNextToCurr() error {
	info := s.certInfo(certstore.Next)
	var issued time.Time
	if info != nil {
		issued = info.NotBefore
	}
	mins, ok := renew.TimeToRoll(issued, info != nil, s.Store.Has(certstore.Curr, certstore.Cert), s.env.MinRollMins, s.env.now())
	if mins < 0 {
		s.log.Info("nothing to roll: no next cert")
		return nil
	}
	if !ok {
		s.log.Info(fmt.Sprintf("too soon to roll: cert is %d mins old < %d mins", mins, s.env.MinRollMins))
		return nil
	}
	s.log.Info(fmt.Sprintf("okay to roll: cert is %d mins old", mins))
	return s.NextToCurr()
}

// certInfo parses the certificate of slot; nil when there is none.
func (s *Service) certInfo(slot string) *pki.CertInfo {
	if !s.Store.Has(slot, certstore.Cert) {
		return nil
	}
	info, err := pki.ReadCert(s.Store.Path(slot, certstore.Cert))
	if err != nil {
		s.log.Warn("cannot read cert", zap.String("slot", slot), zap.Error(err))
		return nil
	}
	return info
}
