// internal/dnscheck/check.go
package dnscheck

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/pantry/retry"
	"go.uber.org/zap"
)

// Challenge is one dns-01 validation to publish as
// _acme-challenge.<Domain>. TXT "<Validation>".
type Challenge struct {
	Domain     string
	Validation string
}

// RecordName is the TXT owner name for the challenge. Wildcard domains
// share the record of their base name.
func (c Challenge) RecordName() string {
	d := strings.TrimPrefix(strings.TrimSuffix(c.Domain, "."), "*.")
	return "_acme-challenge." + d + "."
}

const (
	serialTries = 50
	legacyTries = 120
	primaryWait = 60 * time.Second
)

// serialSchedule is the wait after failed attempt n of the SOA check.
var serialSchedule = retry.StepSchedule(120*time.Second,
	retry.Step{Below: 3, Delay: 5 * time.Second},
	retry.Step{Below: 5, Delay: 10 * time.Second},
	retry.Step{Below: 10, Delay: 30 * time.Second},
	retry.Step{Below: 20, Delay: 60 * time.Second},
	retry.Step{Below: 40, Delay: 90 * time.Second},
)

// txtSchedule is the wait after failed attempt n of the per-record check.
var txtSchedule = retry.StepSchedule(5*time.Second,
	retry.Step{Below: 3, Delay: 1500 * time.Millisecond},
	retry.Step{Below: 5, Delay: 3 * time.Second},
)

// Checker waits for nameservers to serve what the primary serves.
type Checker struct {
	Querier    Querier
	Logger     *zap.Logger
	CheckDelay time.Duration

	// Sleep defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Observe, when set, receives the total time spent in each check.
	Observe func(d time.Duration)
}

func (c *Checker) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return retry.Sleep(ctx, d)
}

func (c *Checker) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// CheckACMEChallenges returns nil once every nameserver of auth reports the
// primary's SOA serial for the apex. Before that the primary itself must
// serve every challenge; it gets one extra minute if it does not.
func (c *Checker) CheckACMEChallenges(ctx context.Context, auth *Authority, challenges []Challenge) error {
	start := time.Now()
	defer func() {
		if c.Observe != nil {
			c.Observe(time.Since(start))
		}
	}()
	log := c.logger().With(zap.String("apex", auth.Apex))

	if c.CheckDelay > 0 {
		log.Info("dns check delay", zap.Duration("delay", c.CheckDelay))
		if err := c.sleep(ctx, c.CheckDelay); err != nil {
			return err
		}
	}

	if !c.primaryHas(ctx, auth, challenges) {
		log.Info("primary missing challenges, waiting", zap.Duration("wait", primaryWait))
		if err := c.sleep(ctx, primaryWait); err != nil {
			return err
		}
		if !c.primaryHas(ctx, auth, challenges) {
			return fmt.Errorf("%w: %s @%s", ErrPrimaryMissing, auth.Apex, auth.Primary)
		}
	}

	if len(auth.Nameservers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoNameservers, auth.Apex)
	}

	serial, err := c.Querier.SOASerial(ctx, auth.Primary, auth.Zone())
	if err != nil {
		return fmt.Errorf("dnscheck: primary serial for %s: %w", auth.Apex, err)
	}
	log.Info("waiting for nameservers", zap.Uint32("serial", serial), zap.Int("servers", len(auth.Nameservers)))

	pending := slices.Clone(auth.Nameservers)
	cfg := retry.Config{
		MaxAttempts: serialTries,
		Schedule:    serialSchedule,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Debug("nameservers behind", zap.Int("attempt", attempt), zap.Duration("wait", delay), zap.Error(err))
		},
	}
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		pending = slices.DeleteFunc(pending, func(ns Nameserver) bool {
			got, err := c.Querier.SOASerial(ctx, ns.Addr, auth.Zone())
			return err == nil && got == serial
		})
		if len(pending) > 0 {
			return fmt.Errorf("%w: %s", ErrNotConverged, describe(pending))
		}
		return nil
	})
	if err != nil {
		log.Warn("nameservers did not converge", zap.Uint32("serial", serial), zap.String("pending", describe(pending)))
		return err
	}
	log.Info("nameservers updated", zap.Uint32("serial", serial))
	return nil
}

func (c *Checker) primaryHas(ctx context.Context, auth *Authority, challenges []Challenge) bool {
	for _, ch := range challenges {
		vals, err := c.Querier.TXT(ctx, auth.Primary, ch.RecordName())
		if err != nil || !slices.Contains(vals, ch.Validation) {
			return false
		}
	}
	return true
}

// CheckChallengeTXT waits until every nameserver of auth serves one
// challenge record directly. It is the slower per-record check used when
// the primary's serial cannot be relied on.
func (c *Checker) CheckChallengeTXT(ctx context.Context, auth *Authority, ch Challenge) error {
	if !auth.Covers(strings.TrimPrefix(ch.Domain, "*.")) {
		return fmt.Errorf("%w: %s not in %s", ErrOutsideApex, ch.Domain, auth.Apex)
	}
	if len(auth.Nameservers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoNameservers, auth.Apex)
	}
	start := time.Now()
	defer func() {
		if c.Observe != nil {
			c.Observe(time.Since(start))
		}
	}()

	pending := slices.Clone(auth.Nameservers)
	cfg := retry.Config{
		MaxAttempts: legacyTries,
		Schedule:    txtSchedule,
		Sleep:       c.sleep,
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		pending = slices.DeleteFunc(pending, func(ns Nameserver) bool {
			vals, err := c.Querier.TXT(ctx, ns.Addr, ch.RecordName())
			return err == nil && slices.Contains(vals, ch.Validation)
		})
		if len(pending) > 0 {
			return fmt.Errorf("%w: %s on %s", ErrNotConverged, ch.RecordName(), describe(pending))
		}
		return nil
	})
	if err != nil {
		c.logger().Warn("challenge not visible", zap.String("record", ch.RecordName()), zap.String("pending", describe(pending)))
	}
	return err
}

func describe(ns []Nameserver) string {
	parts := make([]string, 0, len(ns))
	for _, n := range ns {
		if n.Name != "" {
			parts = append(parts, n.Name+"("+n.Addr+")")
		} else {
			parts = append(parts, n.Addr)
		}
	}
	return strings.Join(parts, ", ")
}
