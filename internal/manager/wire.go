// internal/manager/wire.go
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/acmehook"
	"github.com/dalemusser/sslmgr/internal/deploy"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/dnspush"
	"github.com/dalemusser/sslmgr/internal/group"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/internal/renew"
	"github.com/dalemusser/sslmgr/internal/service"
	"github.com/dalemusser/sslmgr/internal/signer"
	"github.com/dalemusser/sslmgr/metrics"
	"github.com/dalemusser/sslmgr/pantry/email"
	"github.com/dalemusser/sslmgr/pantry/lock"
	"go.uber.org/zap"
)

var ErrNoPrimary = errors.New("manager: no dns_primary for domain")

const queryTimeout = 5 * time.Second

// Parts are the collaborators shared by the manager and the auth hook.
type Parts struct {
	Runner     *remote.ExecRunner
	Privileged bool
	Querier    dnscheck.Querier
	Checker    *dnscheck.Checker
	Authority  func(ctx context.Context, apex string) (*dnscheck.Authority, error)
	// Pusher is nil when no DNS server is configured.
	Pusher dnspush.Pusher
}

// NewParts builds the command runner, DNS checker and DNS pusher for cfg.
// observe, when set, receives the time spent in each DNS check.
func NewParts(ctx context.Context, cfg *config.Config, debug bool, observe func(time.Duration), logger *zap.Logger) (*Parts, error) {
	runner := remote.NewExecRunner(logger, debug)
	q := dnscheck.NewDNSQuerier(queryTimeout)
	p := &Parts{
		Runner:     runner,
		Privileged: remote.Privileged(),
		Querier:    q,
		Checker: &dnscheck.Checker{
			Querier:    q,
			Logger:     logger,
			CheckDelay: cfg.DNSCheckDelay,
			Observe:    observe,
		},
		Authority: AuthorityFunc(cfg, q, logger),
	}
	pusher, err := NewPusher(ctx, cfg, runner, p.Privileged, debug, logger)
	if err != nil {
		return nil, err
	}
	p.Pusher = pusher
	return p, nil
}

// AuthorityFunc looks up the authority of an apex through its dns_primary.
// Each apex is resolved once; later calls share the result.
func AuthorityFunc(cfg *config.Config, q dnscheck.Querier, logger *zap.Logger) func(ctx context.Context, apex string) (*dnscheck.Authority, error) {
	stub := dnscheck.StubServer()
	var mu sync.Mutex
	cache := make(map[string]*dnscheck.Authority)
	return func(ctx context.Context, apex string) (*dnscheck.Authority, error) {
		mu.Lock()
		defer mu.Unlock()
		if a, ok := cache[apex]; ok {
			return a, nil
		}
		p, ok := cfg.PrimaryFor(apex)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrimary, apex)
		}
		a, err := dnscheck.NewAuthority(ctx, q, logger, stub, apex, p.Server, p.Port, cfg.DNSXtraNS)
		if err != nil {
			return nil, err
		}
		cache[apex] = a
		return a, nil
	}
}

// NewPusher returns the DNS pusher for the configured backend, or nil when
// DNS is not configured.
func NewPusher(ctx context.Context, cfg *config.Config, runner remote.Runner, privileged, debug bool, logger *zap.Logger) (dnspush.Pusher, error) {
	if !cfg.DNS.Configured() {
		return nil, nil
	}
	if cfg.DNS.Backend == "route53" {
		p, err := dnspush.NewRoute53Pusher(ctx, cfg.DNS.Route53Zones, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return &dnspush.ZoneFilePusher{
		WorkDir:     filepath.Join(cfg.TopDir, "dns"),
		AcmeDir:     cfg.DNS.AcmeDir,
		TLSADirs:    cfg.DNS.TLSADirs,
		RestartCmds: cfg.DNS.RestartCmd,
		Runner:      runner,
		Privileged:  privileged,
		Debug:       debug,
		Logger:      logger,
	}, nil
}

// NewHook returns the certbot auth hook for cfg.
func NewHook(cfg *config.Config, parts *Parts, debug bool, logger *zap.Logger) *acmehook.Hook {
	return &acmehook.Hook{
		CertsDir:   cfg.CertsDir(),
		Pusher:     parts.Pusher,
		Checker:    parts.Checker,
		Authority:  parts.Authority,
		WebServers: cfg.Web.Servers,
		WebDir:     cfg.Web.ServerDir,
		Runner:     parts.Runner,
		IsLocal:    parts.Runner.IsLocal,
		Debug:      debug,
		Logger:     logger,
	}
}

// New wires a Manager for cfg and opts. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts *config.Options, logger *zap.Logger) (*Manager, error) {
	run := metrics.NewRun(logger)
	parts, err := NewParts(ctx, cfg, opts.Debug, run.ObserveDNSCheck, logger)
	if err != nil {
		return nil, err
	}
	cas, err := config.LoadCAInfos(cfg.ConfDir)
	if err != nil {
		return nil, err
	}

	hook := NewHook(cfg, parts, opts.Debug, logger)
	dispatcher := &signer.Dispatcher{
		CAInfos: cas,
		Self:    &signer.SelfSigner{},
		Local:   &signer.LocalCASigner{ConfDir: cfg.ConfDir, CertsDir: cfg.CertsDir()},
		Certbot: &signer.CertbotSigner{
			Runner:   parts.Runner,
			AuthHook: cfg.SSLMAuthHook,
			LogDir:   cfg.LetsEncryptLogDir,
			WorkDir:  cfg.LetsEncryptWorkDir,
			Verb:     opts.Verb,
			Test:     opts.Test,
			DryRun:   opts.DryRun,
			Debug:    opts.Debug,
			Cleaner:  hook,
			Logger:   logger,
		},
		ACME: &signer.ACMESigner{
			Pusher:    parts.Pusher,
			Checker:   parts.Checker,
			Authority: parts.Authority,
			Test:      opts.Test,
			Logger:    logger,
		},
		Debug:  opts.Debug,
		Logger: logger,
	}

	svcEnv := &service.Env{
		ConfDir:     cfg.ConfDir,
		CertsDir:    cfg.CertsDir(),
		MinRollMins: opts.MinRollMins,
		Verb:        opts.Verb,
		DNS:         cfg.DNS.Configured(),
		Signer:      dispatcher,
		Engine:      renew.NewEngine(renew.NewTable(cfg.RenewInfo)),
		Authority:   parts.Authority,
		Recorder:    run,
		Logger:      logger,
	}

	d := deploy.New(cfg, logger)
	d.Runner = parts.Runner
	d.Syncer = remote.NewRsync(parts.Runner)
	d.IsLocal = parts.Runner.IsLocal
	d.Pusher = parts.Pusher
	d.Privileged = parts.Privileged
	d.Debug = opts.Debug

	m := &Manager{
		Conf:     cfg,
		Opts:     opts,
		Groups:   &group.Env{Service: svcEnv, Pusher: parts.Pusher, Logger: logger},
		Deploy:   d,
		Metrics:  run,
		LockWait: cfg.LockTimeout,
		Logger:   logger,
	}

	switch cfg.LockBackend {
	case "redis":
		client, err := lock.ConnectRedis(ctx, cfg.LockRedisURL, queryTimeout)
		if err != nil {
			return nil, err
		}
		m.Locker = lock.NewRedisLocker(client, "sslm:lock:")
		m.closers = append(m.closers, client.Close)
	default:
		fl, err := lock.NewFileLocker(lock.DefaultDir())
		if err != nil {
			return nil, err
		}
		m.Locker = fl
	}

	if cfg.Notify.Enabled() {
		m.Notifier = email.NewSender(email.Config{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.From,
		})
	}
	return m, nil
}

// Close releases connections opened by New.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c())
	}
	m.closers = nil
	return errors.Join(errs...)
}
