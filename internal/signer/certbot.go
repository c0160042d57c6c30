// internal/signer/certbot.go
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/pantry/retry"
	"go.uber.org/zap"
)

const (
	certbotPath = "/usr/bin/certbot"
	leServer    = "acme-v02.api.letsencrypt.org"
	leStaging   = "acme-staging-v02.api.letsencrypt.org"

	// pause before using a freshly registered account
	registerPause = 2 * time.Second
)

// Cleaner removes the published challenges of a service once certbot is
// done with them.
type Cleaner interface {
	Cleanup(ctx context.Context, group, service string, dns bool) error
}

// CertbotSigner signs through certbot in manual mode. certbot calls
// AuthHook with "<group> <service>" to publish each challenge; challenges
// are removed here afterwards rather than through a certbot cleanup hook.
type CertbotSigner struct {
	Runner   remote.Runner
	Path     string
	AuthHook string
	LogDir   string
	WorkDir  string
	Verb     bool
	Test     bool
	DryRun   bool
	Debug    bool
	Cleaner  Cleaner
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   *zap.Logger
}

func (c *CertbotSigner) Sign(ctx context.Context, req Request) (Result, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if req.Group != req.Conf.X509.CN {
		return Result{}, fmt.Errorf("%w: %s != %s", ErrDomain, req.Group, req.Conf.X509.CN)
	}
	if c.AuthHook == "" {
		return Result{}, errors.New("certbot needs sslm_auth_hook")
	}
	challenge := req.CA.ChallengeType()

	if err := c.ensureAccount(ctx, req); err != nil {
		return Result{}, err
	}

	argv := append([]string{c.path()}, c.Options(req, challenge)...)
	log.Info("certbot", zap.String("group", req.Group), zap.String("service", req.Service), zap.Strings("argv", argv))
	_, runErr := c.Runner.Run(ctx, "", argv)

	if c.Cleaner != nil {
		if err := c.Cleaner.Cleanup(ctx, req.Group, req.Service, challenge == "dns"); err != nil {
			log.Warn("challenge cleanup failed", zap.String("group", req.Group), zap.String("service", req.Service), zap.Error(err))
		}
	}
	if runErr != nil {
		return Result{}, fmt.Errorf("certbot: %w", runErr)
	}
	if c.Debug {
		return Result{}, nil
	}

	var res Result
	var err error
	if res.Cert, err = os.ReadFile(filepath.Join(req.Dir, certstore.Cert)); err != nil {
		return Result{}, fmt.Errorf("certbot output: %w", err)
	}
	if res.Chain, err = os.ReadFile(filepath.Join(req.Dir, certstore.Chain)); err != nil {
		return Result{}, fmt.Errorf("certbot output: %w", err)
	}
	res.Fullchain, _ = os.ReadFile(filepath.Join(req.Dir, certstore.Fullchain))
	return res, nil
}

// Options is the certbot command line (without the program) for req.
func (c *CertbotSigner) Options(req Request, challenge string) []string {
	hook := c.AuthHook + " " + req.Group + " " + req.Service
	if c.Debug {
		hook += " debug"
	}
	opts := []string{
		"certonly", "--manual",
		"--logs-dir", c.LogDir,
		"--work-dir", c.WorkDir,
		"--quiet", "--keep-until-expiring",
		"--cert-name", req.Group,
		"--manual-auth-hook", hook,
		"--cert-path", filepath.Join(req.Dir, certstore.Cert),
		"--key-path", filepath.Join(req.Dir, "key.pem"),
		"--chain-path", filepath.Join(req.Dir, certstore.Chain),
		"--fullchain-path", filepath.Join(req.Dir, certstore.Fullchain),
	}
	if req.CA.PreferredChain != "" {
		opts = append(opts, "--preferred-chain", req.CA.PreferredChain)
	}
	if c.Verb {
		opts = append(opts, "--debug")
	}
	if c.Test {
		opts = append(opts, "--test-cert")
	}
	if c.DryRun {
		opts = append(opts, "--dry-run")
	}
	opts = append(opts,
		"--config-dir", req.CBDir,
		"--domains", strings.Join(req.Domains(), ","),
		"--csr", filepath.Join(req.Dir, certstore.CSR),
		"--preferred-challenges="+challenge,
	)
	return opts
}

// ensureAccount registers an account in the certbot config dir when none
// exists; certbot's manual mode needs one.
func (c *CertbotSigner) ensureAccount(ctx context.Context, req Request) error {
	if AccountRegistered(req.CBDir, c.Test) {
		return nil
	}
	argv := []string{c.path(), "register",
		"--config-dir", req.CBDir,
		"--logs-dir", c.LogDir,
		"--work-dir", c.WorkDir,
		"--agree-tos", "--no-eff-email", "--email", req.Conf.X509.Email,
	}
	if c.Test {
		argv = append(argv, "--test-cert")
	}
	if c.DryRun {
		argv = append(argv, "--dry-run")
	}
	if c.Logger != nil {
		c.Logger.Info("registering ACME account", zap.String("group", req.Group), zap.String("service", req.Service), zap.String("dir", req.CBDir))
	}
	if _, err := c.Runner.Run(ctx, "", argv); err != nil {
		return fmt.Errorf("certbot register %s:%s: %w", req.Group, req.Service, err)
	}
	if c.Debug {
		return nil
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}
	return sleep(ctx, registerPause)
}

func (c *CertbotSigner) path() string {
	if c.Path == "" {
		return certbotPath
	}
	return c.Path
}

// AccountRegistered reports whether cbDir holds a certbot account: a
// directory under accounts/<server>/directory with meta.json and
// private_key.json.
func AccountRegistered(cbDir string, staging bool) bool {
	server := leServer
	if staging {
		server = leStaging
	}
	dir := filepath.Join(cbDir, "accounts", server, "directory")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		acct := filepath.Join(dir, e.Name())
		_, errMeta := os.Stat(filepath.Join(acct, "meta.json"))
		_, errKey := os.Stat(filepath.Join(acct, "private_key.json"))
		if errMeta == nil && errKey == nil {
			return true
		}
	}
	return false
}
