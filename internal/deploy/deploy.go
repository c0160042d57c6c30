// internal/deploy/deploy.go
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/changes"
	"github.com/dalemusser/sslmgr/internal/dnspush"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/internal/tlsa"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
)

var (
	ErrRemoteCopy    = errors.New("deploy: remote copy failed")
	ErrRestartFailed = errors.New("deploy: server restart failed")
	ErrNoProdDir     = errors.New("deploy: prod_cert_dir not set")
)

// Deployer holds what production copies and restarts need.
type Deployer struct {
	CertsDir string
	ProdDir  string
	Classes  []config.NamedServerClass
	DNS      config.DNSConfig
	PostCopy []config.PostCopyCmd

	Runner remote.Runner
	Syncer remote.Syncer
	// IsLocal reports whether host is this machine. Nil treats only ""
	// as local.
	IsLocal func(host string) bool
	// Pusher restarts DNS; nil when no DNS server is configured.
	Pusher     dnspush.Pusher
	Privileged bool
	Debug      bool
	Logger     *zap.Logger
}

// New returns a Deployer for cfg. Runner, Syncer, IsLocal and Pusher are
// left to the caller.
func New(cfg *config.Config, logger *zap.Logger) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{
		CertsDir: cfg.CertsDir(),
		ProdDir:  cfg.ProdCertDir,
		Classes:  cfg.ServerClasses(),
		DNS:      cfg.DNS,
		PostCopy: cfg.PostCopyCmd,
		Logger:   logger,
	}
}

func (d *Deployer) isLocal(host string) bool {
	if d.IsLocal == nil {
		return host == ""
	}
	return d.IsLocal(host)
}

func (d *Deployer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// CopyReport is the outcome of CertsToProduction.
type CopyReport struct {
	Copied           bool
	Hosts            int // remote hosts synced
	Failures         int // remote hosts that failed
	PostCopyFailures int
}

// CertsToProduction copies the groups' certificates to the production
// tree and every remote server when a certificate or DNS record changed,
// when force is set, or when production is found out of sync. Remote
// failures are counted and the remaining hosts are still tried. Failing
// post copy commands are logged and counted only.
func (d *Deployer) CertsToProduction(ctx context.Context, ch *changes.GroupChanges, groups []config.GroupServices, force bool) (CopyReport, error) {
	log := d.logger()
	var rep CopyReport

	switch {
	case ch.Any.CertChanged || ch.Any.DNSChanged || force:
		log.Info("changes: copying certs to production")
	default:
		synced, mismatches := CheckProductionSynced(d.CertsDir, d.ProdDir, groups)
		if synced {
			log.Info("certs to production: no changes")
			return rep, nil
		}
		log.Info("production needs sync: copying certs to production", zap.Strings("mismatch", mismatches))
	}
	rep.Copied = true

	if err := d.copyLocal(groups); err != nil {
		return rep, err
	}

	done := map[string]bool{}
	for _, class := range d.Classes {
		if len(class.Servers) == 0 {
			continue
		}
		if class.SkipProdCopy {
			log.Info("skip_prod_copy set, skipping", zap.String("class", class.Name))
			continue
		}
		for _, host := range class.Servers {
			if done[host] {
				continue
			}
			done[host] = true
			if d.isLocal(host) {
				continue
			}
			rep.Hosts++
			log.Info("copying certs to remote", zap.String("class", class.Name), zap.String("host", host))
			if err := d.Syncer.Sync(ctx, d.ProdDir, host, d.ProdDir); err != nil {
				rep.Failures++
				log.Error("copy certs to remote failed", zap.String("host", host), zap.Error(err))
			}
		}
	}

	rep.PostCopyFailures = d.postCopy(ctx)
	if rep.PostCopyFailures > 0 {
		log.Warn("post copy commands failed", zap.Int("failures", rep.PostCopyFailures))
	}

	if rep.Failures > 0 {
		return rep, fmt.Errorf("%w: %d of %d hosts", ErrRemoteCopy, rep.Failures, rep.Hosts)
	}
	return rep, nil
}

// copyLocal mirrors every slot of each service and the group TLSA file
// into <prod>/<group>/.
func (d *Deployer) copyLocal(groups []config.GroupServices) error {
	log := d.logger()
	if d.ProdDir == "" {
		return ErrNoProdDir
	}
	if d.Debug {
		for _, g := range groups {
			log.Info("debug: not copying to production", zap.String("group", g.Group), zap.String("dst", filepath.Join(d.ProdDir, g.Group)))
		}
		return nil
	}
	if err := os.MkdirAll(d.ProdDir, 0o755); err != nil {
		return fmt.Errorf("deploy: create %s: %w", d.ProdDir, err)
	}

	for _, g := range groups {
		log.Info("group to production", zap.String("group", g.Group))
		prodGroup := filepath.Join(d.ProdDir, g.Group)
		if err := os.MkdirAll(prodGroup, 0o755); err != nil {
			return fmt.Errorf("deploy: create %s: %w", prodGroup, err)
		}
		for _, svc := range g.Services {
			store, err := certstore.Open(d.CertsDir, g.Group, svc)
			if err != nil {
				return err
			}
			for _, slot := range []string{certstore.Curr, certstore.Next, certstore.Prev} {
				dst := filepath.Join(prodGroup, svc, slot)
				if err := fileutil.MirrorDir(store.SlotDir(slot), dst); err != nil {
					return fmt.Errorf("deploy: %s:%s %s to production: %w", g.Group, svc, slot, err)
				}
			}
		}

		name := tlsa.FileName(g.Group)
		src := filepath.Join(d.CertsDir, g.Group, name)
		if !fileutil.Exists(src) {
			continue
		}
		if err := fileutil.CopyFile(src, filepath.Join(prodGroup, name)); err != nil {
			return fmt.Errorf("deploy: tlsa to production: %w", err)
		}
	}
	return nil
}

// postCopy runs each post_copy_cmd locally with its host as argument and
// returns the number that failed.
func (d *Deployer) postCopy(ctx context.Context) int {
	fails := 0
	for _, pc := range d.PostCopy {
		argv := remote.SplitCommand(pc.Cmd)
		if len(argv) == 0 {
			continue
		}
		argv = append(argv, pc.Host)
		d.logger().Info("post copy", zap.String("host", pc.Host), zap.String("cmd", pc.Cmd))
		if _, err := d.Runner.Run(ctx, "", argv); err != nil {
			d.logger().Error("post copy failed, continuing", zap.Strings("argv", argv), zap.Error(err))
			fails++
		}
	}
	return fails
}
