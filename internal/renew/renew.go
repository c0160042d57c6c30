// internal/renew/renew.go
// Package renew decides when a certificate is due for renewal and when a
// pending certificate has aged enough to be rolled into service.
//
// Renewal targets are tiered by the lifetime the certificate had when it
// was issued. Each tier has a target (days left at which to renew) and a
// jitter amplitude; a uniform draw in [-amplitude, amplitude] spreads
// renewals of many certificates across a few days.
package renew

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/pki"
)

// Tier is one lifetime bucket.
type Tier struct {
	MinLifetime float64 // lifetimes at or above this use the tier
	Target      float64
	Amplitude   float64
}

// Table is the tier table, longest lifetime first.
type Table struct {
	tiers    []Tier
	terminal Tier
}

type bounds struct{ lo, hi float64 }

// per tier: minimum lifetime, target bounds, amplitude bounds
var tierBounds = []struct {
	lifetime float64
	target   bounds
	amp      bounds
}{
	{90, bounds{1, 89}, bounds{0, 5}},
	{60, bounds{1, 59}, bounds{0, 3}},
	{45, bounds{1, 44}, bounds{0, 2}},
	{10, bounds{1, 9}, bounds{0, 1}},
	{6, bounds{1, 5}, bounds{0, 1}},
	{2, bounds{1, 1.9}, bounds{0, 0.5}},
}

// NewTable builds the table from configuration, clamping each target and
// amplitude to the range that makes sense for its tier. The last tier
// starts at the (unclamped) one-day target; anything shorter renews at a
// quarter day with no jitter.
func NewTable(ri config.RenewInfo) *Table {
	targets := []float64{ri.Target90, ri.Target60, ri.Target45, ri.Target10, ri.Target6, ri.Target2}
	amps := []float64{ri.RandAdj90, ri.RandAdj60, ri.RandAdj45, ri.RandAdj10, ri.RandAdj6, ri.RandAdj2}

	t := &Table{terminal: Tier{MinLifetime: 0, Target: 0.25}}
	for i, b := range tierBounds {
		t.tiers = append(t.tiers, Tier{
			MinLifetime: b.lifetime,
			Target:      clamp(targets[i], b.target),
			Amplitude:   clamp(amps[i], b.amp),
		})
	}
	t.tiers = append(t.tiers, Tier{
		MinLifetime: ri.Target1,
		Target:      clamp(ri.Target1, bounds{0.1, 0.9}),
		Amplitude:   clamp(ri.RandAdj1, bounds{0, 0.1}),
	})
	return t
}

// DefaultTable is the table with the stock targets and no jitter.
func DefaultTable() *Table {
	return NewTable(config.DefaultRenewInfo())
}

// Tier returns the tier for a certificate issued with lifetime days.
func (t *Table) Tier(lifetime float64) Tier {
	for _, tier := range t.tiers {
		if lifetime >= tier.MinLifetime {
			return tier
		}
	}
	return t.terminal
}

func clamp(v float64, b bounds) float64 {
	return math.Min(b.hi, math.Max(b.lo, v))
}

// Decision is the outcome of one renewal check.
type Decision struct {
	Renew       bool
	DaysToRenew float64 // days left minus target, before jitter
	Amplitude   float64
	Draw        float64 // jitter applied this time
	HaveCert    bool
}

// Engine makes renewal decisions. Rand supplies the jitter draws; a nil
// Rand uses a time-seeded source.
type Engine struct {
	Table *Table
	Rand  *rand.Rand
}

// NewEngine returns an engine over table seeded from the clock.
func NewEngine(table *Table) *Engine {
	return &Engine{Table: table, Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Decide returns whether a certificate issued with lifetime days and
// daysLeft remaining should be renewed now. The tier is deterministic; the
// draw varies between calls when the tier has jitter.
func (e *Engine) Decide(lifetime, daysLeft float64) Decision {
	tier := e.Table.Tier(lifetime)
	d := Decision{
		DaysToRenew: daysLeft - tier.Target,
		Amplitude:   tier.Amplitude,
		HaveCert:    true,
	}
	if tier.Amplitude > 0 {
		d.Draw = e.draw(tier.Amplitude)
	}
	d.Renew = d.DaysToRenew <= d.Draw
	return d
}

// DecideCert applies Decide to a parsed certificate; with no certificate a
// renewal is always due.
func (e *Engine) DecideCert(info *pki.CertInfo, now time.Time) Decision {
	if info == nil {
		return Decision{Renew: true}
	}
	return e.Decide(info.LifetimeDays(), info.DaysLeft(now))
}

// draw is uniform in [-amp, amp] rounded to 0.1. A rounded value past amp
// is pulled back to the nearest tenth inside the bound.
func (e *Engine) draw(amp float64) float64 {
	r := e.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
		e.Rand = r
	}
	v := math.Round((-amp+2*amp*r.Float64())*10) / 10
	edge := math.Floor(amp*10) / 10
	switch {
	case v > amp:
		v = edge
	case v < -amp:
		v = -edge
	}
	return v
}

// Describe is the status line for a decision about info, which may be nil.
func Describe(d Decision, info *pki.CertInfo, now time.Time) string {
	if !d.HaveCert || info == nil {
		return "No curr certs (first cert or missed roll?): generating new cert"
	}
	s := fmt.Sprintf("Current cert expires: %s (%s)", info.NotAfter.UTC().Format("2006-01-02 15:04:05 MST"), info.ExpiryString(now))
	if d.Renew {
		return s + " Renew now"
	}
	return s + " Renew in " + renewIn(d.Amplitude, d.DaysToRenew) + " days"
}

func renewIn(amp, daysToRenew float64) string {
	when := fmt.Sprintf("%.1f", daysToRenew)
	if amp > 0 {
		if daysToRenew > 0 {
			when += fmt.Sprintf(" ± %.1f", amp)
		} else {
			when = fmt.Sprintf("0 ± %.1f", amp)
		}
	}
	return when
}
