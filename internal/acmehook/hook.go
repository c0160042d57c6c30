// internal/acmehook/hook.go
// Package acmehook is the certbot manual auth hook. certbot calls it once
// per domain; validations are collected in the service's cb dir and
// published together when the last one arrives.
package acmehook

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/dnspush"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
)

var (
	ErrNoDomain  = errors.New("acmehook: CERTBOT_DOMAIN not set")
	ErrNoPusher  = errors.New("acmehook: no dns server configured")
	ErrNoWebDir  = errors.New("acmehook: web server_dir not set")
	ErrBadRemain = errors.New("acmehook: bad CERTBOT_REMAINING_CHALLENGES")
)

// Files kept in the service's cb dir.
const (
	AuthDataFile  = "auth-data"
	WebTokensFile = "web-tokens"
	tokensDir     = "tokens"
)

// Env is what certbot passes a manual auth hook.
type Env struct {
	Domain     string
	Validation string
	Token      string // set for http-01 only
	Remaining  int
	AllDomains string
}

// Proto is the challenge type, "http" when certbot sent a token.
func (e Env) Proto() string {
	if e.Token != "" {
		return "http"
	}
	return "dns"
}

// EnvFromOS reads the CERTBOT_* environment.
func EnvFromOS() (Env, error) {
	e := Env{
		Domain:     os.Getenv("CERTBOT_DOMAIN"),
		Validation: os.Getenv("CERTBOT_VALIDATION"),
		Token:      os.Getenv("CERTBOT_TOKEN"),
		AllDomains: os.Getenv("CERTBOT_ALL_DOMAINS"),
	}
	if e.Domain == "" {
		return e, ErrNoDomain
	}
	if s := strings.TrimSpace(os.Getenv("CERTBOT_REMAINING_CHALLENGES")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return e, fmt.Errorf("%w: %q", ErrBadRemain, s)
		}
		e.Remaining = n
	}
	return e, nil
}

// Hook publishes and removes challenges for one group (apex domain).
type Hook struct {
	CertsDir string

	Pusher    dnspush.Pusher
	Checker   *dnscheck.Checker
	Authority func(ctx context.Context, apex string) (*dnscheck.Authority, error)

	// WebServers serve /.well-known/acme-challenge for the apex from
	// WebDir/<apex>. No servers means this host.
	WebServers []string
	WebDir     string

	Runner  remote.Runner
	IsLocal func(host string) bool
	Debug   bool
	Logger  *zap.Logger
}

func (h *Hook) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Hook) isLocal(host string) bool {
	if host == "" {
		return true
	}
	return h.IsLocal != nil && h.IsLocal(host)
}

// Auth records one validation. When it is the last one certbot will send,
// all recorded validations are published.
func (h *Hook) Auth(ctx context.Context, group, service string, env Env) error {
	log := h.logger().With(zap.String("group", group), zap.String("service", service))
	store, err := certstore.Open(h.CertsDir, group, service)
	if err != nil {
		return err
	}
	path := filepath.Join(store.CBDir, AuthDataFile)
	if err := appendAuthData(path, env); err != nil {
		return err
	}
	log.Info("challenge recorded",
		zap.String("domain", env.Domain),
		zap.String("proto", env.Proto()),
		zap.Int("remaining", env.Remaining))
	if env.Remaining > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("acmehook: read auth data: %w", err)
	}
	if err := os.Rename(path, path+".prev"); err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	rows := parseAuthData(data)
	if env.Proto() == "http" {
		return h.pushHTTP(ctx, group, store.CBDir, rows)
	}
	return h.pushDNS(ctx, group, store.CBDir, rows)
}

func appendAuthData(path string, env Env) error {
	var buf bytes.Buffer
	if !fileutil.Exists(path) {
		fmt.Fprintf(&buf, "# %s %s\n# Domains = %s\n", env.Domain, env.Proto(), env.AllDomains)
	}
	buf.WriteString(env.Domain + " " + env.Validation)
	if env.Token != "" {
		buf.WriteString(" " + env.Token)
	}
	buf.WriteByte('\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("acmehook: write auth data: %w", err)
	}
	return f.Close()
}

type authRow struct {
	domain     string
	validation string
	token      string
}

func parseAuthData(data []byte) []authRow {
	var rows []authRow
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		r := authRow{domain: f[0], validation: f[1]}
		if len(f) > 2 {
			r.token = f[2]
		}
		rows = append(rows, r)
	}
	return rows
}

func (h *Hook) pushDNS(ctx context.Context, apex, cbDir string, rows []authRow) error {
	log := h.logger().With(zap.String("apex", apex))
	if h.Pusher == nil {
		return ErrNoPusher
	}
	chs := make([]dnscheck.Challenge, 0, len(rows))
	for _, r := range rows {
		chs = append(chs, dnscheck.Challenge{Domain: strings.TrimPrefix(r.domain, "*."), Validation: r.validation})
	}

	// keep a copy of what was published next to the auth data
	zone := dnspush.ChallengeZone(apex, chs)
	if err := fileutil.WriteAtomic(filepath.Join(cbDir, dnspush.ChallengeFileName(apex)), []byte(zone), 0o644); err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}

	log.Info("pushing dns challenges", zap.Int("count", len(chs)))
	if err := h.Pusher.PushChallenges(ctx, apex, chs); err != nil {
		return fmt.Errorf("acmehook: push challenges: %w", err)
	}
	if h.Debug {
		log.Info("debug: skipping nameserver check")
		return nil
	}
	if h.Checker == nil || h.Authority == nil {
		log.Warn("no dns checker, not waiting for nameservers")
		return nil
	}
	auth, err := h.Authority(ctx, apex)
	if err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	if err := h.Checker.CheckACMEChallenges(ctx, auth, chs); err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	log.Info("dns challenges served by all nameservers")
	return nil
}

func (h *Hook) tokenPath(apex, token string) string {
	return filepath.Join(h.WebDir, apex, ".well-known", "acme-challenge", token)
}

func (h *Hook) pushHTTP(ctx context.Context, apex, cbDir string, rows []authRow) error {
	log := h.logger().With(zap.String("apex", apex))
	if h.WebDir == "" {
		return ErrNoWebDir
	}
	hosts := h.WebServers
	if len(hosts) == 0 {
		hosts = []string{""}
	}

	var saved strings.Builder
	for _, r := range rows {
		if r.token == "" {
			continue
		}
		// staged copy: scp source for remote servers, the only copy in debug
		staged := filepath.Join(cbDir, tokensDir, r.token)
		if err := writeToken(staged, r.validation); err != nil {
			return err
		}
		dst := h.tokenPath(apex, r.token)
		for _, host := range hosts {
			if h.Debug {
				log.Info("debug: not publishing token", zap.String("host", host), zap.String("path", dst))
				continue
			}
			if err := h.publishToken(ctx, host, staged, dst, r.validation); err != nil {
				return err
			}
			fmt.Fprintf(&saved, "%s %s\n", hostField(host), dst)
		}
	}
	log.Info("http tokens published", zap.Int("tokens", len(rows)), zap.Int("servers", len(hosts)))
	return fileutil.WriteAtomic(filepath.Join(cbDir, WebTokensFile), []byte(saved.String()), 0o600)
}

func (h *Hook) publishToken(ctx context.Context, host, staged, dst, validation string) error {
	if h.isLocal(host) {
		return writeToken(dst, validation)
	}
	if _, err := h.Runner.Run(ctx, host, []string{"/usr/bin/mkdir", "-p", filepath.Dir(dst)}); err != nil {
		return fmt.Errorf("acmehook: %s: %w", host, err)
	}
	if _, err := h.Runner.Run(ctx, "", []string{"/usr/bin/scp", "-p", staged, host + ":" + dst}); err != nil {
		return fmt.Errorf("acmehook: %s: %w", host, err)
	}
	return nil
}

func writeToken(path, validation string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	// web servers must be able to read it
	if err := fileutil.WriteAtomic(path, []byte(validation), 0o644); err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}
	return nil
}

// hostField renders host for the web-tokens file, "-" for this host.
func hostField(host string) string {
	if host == "" {
		return "-"
	}
	return host
}

// Cleanup removes the challenges published for group/service. dns clears
// the apex's challenge records without waiting on nameservers; otherwise
// every token listed in web-tokens is removed.
func (h *Hook) Cleanup(ctx context.Context, group, service string, dns bool) error {
	log := h.logger().With(zap.String("group", group), zap.String("service", service))
	if dns {
		if h.Pusher == nil {
			return ErrNoPusher
		}
		log.Info("clearing dns challenges")
		return h.Pusher.ClearChallenges(ctx, group)
	}

	store, err := certstore.Open(h.CertsDir, group, service)
	if err != nil {
		return err
	}
	path := filepath.Join(store.CBDir, WebTokensFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("acmehook: %w", err)
	}

	var errs []error
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) != 2 {
			continue
		}
		host, tok := f[0], f[1]
		if host == "-" {
			host = ""
		}
		log.Info("removing token", zap.String("host", host), zap.String("path", tok))
		if h.isLocal(host) {
			if err := os.Remove(tok); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := h.Runner.Run(ctx, host, []string{"/usr/bin/rm", "-f", tok}); err != nil {
			errs = append(errs, err)
		}
	}
	os.RemoveAll(filepath.Join(store.CBDir, tokensDir))
	if err := os.Truncate(path, 0); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("acmehook: cleanup: %w", errors.Join(errs...))
	}
	return nil
}

// Args are the hook's command line: group service [debug].
type Args struct {
	Group   string
	Service string
	Debug   bool
}

// ParseArgs parses the hook's command line.
func ParseArgs(args []string) (Args, error) {
	if len(args) < 2 || len(args) > 3 {
		return Args{}, fmt.Errorf("acmehook: usage: sslm-auth-hook group service [debug], got %q", args)
	}
	a := Args{Group: args[0], Service: args[1]}
	if len(args) == 3 {
		if args[2] != "debug" {
			return Args{}, fmt.Errorf("acmehook: unknown argument %q", args[2])
		}
		a.Debug = true
	}
	return a, nil
}
