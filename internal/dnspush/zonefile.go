// internal/dnspush/zonefile.go
// Package dnspush publishes ACME challenge and TLSA records to DNS, either
// as zone include files followed by a serial bump and restart of the
// primary, or through the Route 53 API.
package dnspush

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dalemusser/sslmgr/internal/dnscheck"
	"github.com/dalemusser/sslmgr/internal/remote"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"go.uber.org/zap"
)

var (
	ErrNoDestination = errors.New("dnspush: no destination directory")
	ErrNotPrivileged = errors.New("dnspush: need root privileges to restart dns")
	ErrNoZone        = errors.New("dnspush: no hosted zone for apex")
)

// ChallengeTTL is the TTL of challenge records.
const ChallengeTTL = 60

// Pusher publishes records for one apex domain.
type Pusher interface {
	// PushChallenges replaces the apex's challenge records with chs and
	// returns once the primary serves them.
	PushChallenges(ctx context.Context, apex string, chs []dnscheck.Challenge) error
	// ClearChallenges removes every challenge record of the apex.
	ClearChallenges(ctx context.Context, apex string) error
	// PushTLSA publishes the TLSA file for the apex. It takes effect on
	// the next Restart.
	PushTLSA(ctx context.Context, apex, tlsaPath string) error
	// Restart makes the primary serve updated records for domains.
	Restart(ctx context.Context, domains []string) error
}

// ZoneFilePusher writes include files read by the primary's zone files and
// runs the configured restart commands with --serial_bump.
type ZoneFilePusher struct {
	WorkDir     string // where challenge files are written before copying
	AcmeDir     string
	TLSADirs    []string
	RestartCmds []string
	Runner      remote.Runner
	Privileged  bool
	Debug       bool
	Logger      *zap.Logger
}

func (p *ZoneFilePusher) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// ChallengeFileName is the include file holding an apex's challenges.
func ChallengeFileName(apex string) string {
	return "acme-challenge." + apex
}

// ChallengeZone renders the challenge include file.
func ChallengeZone(apex string, chs []dnscheck.Challenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, ";; acme-challenge for : %s\n", apex)
	for _, ch := range chs {
		fmt.Fprintf(&b, "%s %d IN TXT %s\n", ch.RecordName(), ChallengeTTL, TXTRdata(ch.Validation))
	}
	return b.String()
}

// TXTRdata quotes a TXT value, splitting values of 72 characters or more
// into a parenthesized list of quoted strings.
func TXTRdata(val string) string {
	const maxOne = 72
	if len(val) < maxOne {
		return `"` + val + `"`
	}
	var b strings.Builder
	b.WriteString("(")
	for len(val) > 0 {
		n := min(maxOne, len(val))
		b.WriteString("\n" + strings.Repeat(" ", 20) + `"` + val[:n] + `"`)
		val = val[n:]
	}
	b.WriteString(" )")
	return b.String()
}

// PushChallenges writes the challenge file, copies it to the acme
// directory and restarts the primary for the apex.
func (p *ZoneFilePusher) PushChallenges(ctx context.Context, apex string, chs []dnscheck.Challenge) error {
	if err := p.writeChallenges(apex, ChallengeZone(apex, chs)); err != nil {
		return err
	}
	return p.Restart(ctx, []string{apex})
}

// ClearChallenges pushes a challenge file with no records.
func (p *ZoneFilePusher) ClearChallenges(ctx context.Context, apex string) error {
	return p.PushChallenges(ctx, apex, nil)
}

func (p *ZoneFilePusher) writeChallenges(apex, zone string) error {
	if p.AcmeDir == "" {
		return fmt.Errorf("%w: dns.acme_dir", ErrNoDestination)
	}
	src := filepath.Join(p.WorkDir, ChallengeFileName(apex))
	if err := fileutil.WriteAtomic(src, []byte(zone), 0o644); err != nil {
		return fmt.Errorf("dnspush: write %s: %w", src, err)
	}
	return p.copyTo(src, []string{p.AcmeDir})
}

// PushTLSA copies the TLSA file into every tlsa directory.
func (p *ZoneFilePusher) PushTLSA(_ context.Context, apex, tlsaPath string) error {
	if len(p.TLSADirs) == 0 {
		return fmt.Errorf("%w: dns.tlsa_dirs", ErrNoDestination)
	}
	p.logger().Info("tlsa to dns", zap.String("apex", apex), zap.String("file", tlsaPath))
	return p.copyTo(tlsaPath, p.TLSADirs)
}

func (p *ZoneFilePusher) copyTo(src string, dirs []string) error {
	name := filepath.Base(src)
	for _, dir := range dirs {
		dst := filepath.Join(dir, name)
		if p.Debug {
			p.logger().Info("debug: zone update", zap.String("src", src), zap.String("dst", dst))
			continue
		}
		if err := fileutil.CopyFile(src, dst); err != nil {
			return fmt.Errorf("dnspush: copy %s: %w", dst, err)
		}
	}
	return nil
}

// Restart runs each restart command with --serial_bump and the domains.
// Without root privileges it fails, unless in debug mode.
func (p *ZoneFilePusher) Restart(ctx context.Context, domains []string) error {
	if !p.Privileged {
		if p.Debug {
			p.logger().Info("debug: no root privileges, skipping dns restart")
			return nil
		}
		return ErrNotPrivileged
	}
	var errs []error
	for _, cmd := range p.RestartCmds {
		argv := remote.SplitCommand(cmd)
		if len(argv) == 0 {
			continue
		}
		argv = append(argv, "--serial_bump")
		argv = append(argv, domains...)
		if _, err := p.Runner.Run(ctx, "", argv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
