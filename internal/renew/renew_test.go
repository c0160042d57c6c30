package renew

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/pki"
)

func engine(ri config.RenewInfo, seed int64) *Engine {
	return &Engine{Table: NewTable(ri), Rand: rand.New(rand.NewSource(seed))}
}

func TestDecideNinetyDayNoJitter(t *testing.T) {
	e := engine(config.DefaultRenewInfo(), 1)

	d := e.Decide(90, 31)
	if d.Renew {
		t.Errorf("days_left 31: Renew = true, want false (%+v)", d)
	}
	if d.DaysToRenew != 1 || d.Amplitude != 0 || d.Draw != 0 {
		t.Errorf("days_left 31: %+v", d)
	}

	if d := e.Decide(90, 29); !d.Renew {
		t.Errorf("days_left 29: Renew = false, want true (%+v)", d)
	}
	if d := e.Decide(90, 30); !d.Renew {
		t.Errorf("days_left 30 (at target): Renew = false, want true")
	}
}

func TestJitterBound(t *testing.T) {
	for _, amp := range []float64{3, 2.37, 0.05} {
		ri := config.DefaultRenewInfo()
		ri.RandAdj90 = amp
		e := engine(ri, 7)

		for i := 0; i < 10000; i++ {
			daysLeft := 27 + float64(i%60)/10
			d := e.Decide(90, daysLeft)
			if d.Amplitude != amp {
				t.Fatalf("Amplitude = %v, want %v", d.Amplitude, amp)
			}
			if d.Draw < -amp || d.Draw > amp {
				t.Fatalf("draw %v outside [-%v, %v]", d.Draw, amp, amp)
			}
			if math.Abs(d.Draw*10-math.Round(d.Draw*10)) > 1e-9 {
				t.Fatalf("draw %v not rounded to 0.1", d.Draw)
			}
			if d.Renew != (d.DaysToRenew <= d.Draw) {
				t.Fatalf("Renew %v inconsistent with %v <= %v", d.Renew, d.DaysToRenew, d.Draw)
			}
		}
	}
}

func TestTableClamps(t *testing.T) {
	ri := config.RenewInfo{
		Target90: 200, RandAdj90: 50,
		Target60: -5, RandAdj60: -1,
		Target45: 10, RandAdj45: 2.5,
		Target10: 5, RandAdj10: 0.5,
		Target6: 9, RandAdj6: 3,
		Target2: 3, RandAdj2: 1,
		Target1: 0.5, RandAdj1: 1,
	}
	tb := NewTable(ri)
	tests := []struct {
		lifetime  float64
		target    float64
		amplitude float64
	}{
		{365, 89, 5},
		{90, 89, 5},
		{89.9, 1, 0},
		{45, 10, 2},
		{14, 5, 0.5},
		{7, 5, 1},
		{3, 1.9, 0.5},
		{1, 0.5, 0.1},
		{0.5, 0.5, 0.1},
		{0.3, 0.25, 0},
	}
	for _, tt := range tests {
		tier := tb.Tier(tt.lifetime)
		if tier.Target != tt.target || tier.Amplitude != tt.amplitude {
			t.Errorf("Tier(%v) = %v/%v, want %v/%v", tt.lifetime, tier.Target, tier.Amplitude, tt.target, tt.amplitude)
		}
	}
}

func TestDecideCertNil(t *testing.T) {
	e := engine(config.DefaultRenewInfo(), 1)
	d := e.DecideCert(nil, time.Now())
	if !d.Renew || d.HaveCert {
		t.Errorf("DecideCert(nil) = %+v, want renew without cert", d)
	}
	if got := Describe(d, nil, time.Now()); !strings.HasPrefix(got, "No curr certs") {
		t.Errorf("Describe = %q", got)
	}
}

func TestDescribe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	info := &pki.CertInfo{NotBefore: now.AddDate(0, 0, -50), NotAfter: now.AddDate(0, 0, 40)}

	tests := []struct {
		d    Decision
		want string
	}{
		{Decision{HaveCert: true, Renew: true}, " Renew now"},
		{Decision{HaveCert: true, DaysToRenew: 10}, " Renew in 10.0 days"},
		{Decision{HaveCert: true, DaysToRenew: 10, Amplitude: 2}, " Renew in 10.0 ± 2.0 days"},
		{Decision{HaveCert: true, DaysToRenew: -0.5, Amplitude: 2}, " Renew in 0 ± 2.0 days"},
	}
	for _, tt := range tests {
		got := Describe(tt.d, info, now)
		if !strings.HasSuffix(got, tt.want) {
			t.Errorf("Describe(%+v) = %q, want suffix %q", tt.d, got, tt.want)
		}
		if !strings.Contains(got, "2026-02-10 00:00:00 UTC") {
			t.Errorf("Describe missing expiry date: %q", got)
		}
	}
}

func TestTimeToRoll(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		issued   time.Time
		hasNext  bool
		hasCurr  bool
		minRoll  int
		wantMins int
		wantOK   bool
	}{
		{"no next", now.Add(-time.Hour), false, true, 90, -1, false},
		{"no curr, just issued", now.Add(-time.Second), true, false, 90, 1, true},
		{"no curr, min huge", now, true, false, 100000, 1, true},
		{"too young", now.Add(-30 * time.Minute), true, true, 90, 30, false},
		{"one second short", now.Add(-90*time.Minute + time.Second), true, true, 90, 89, false},
		{"exactly old enough", now.Add(-90 * time.Minute), true, true, 90, 90, true},
		{"old", now.Add(-48 * time.Hour), true, true, 90, 2880, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mins, ok := TimeToRoll(tt.issued, tt.hasNext, tt.hasCurr, tt.minRoll, now)
			if mins != tt.wantMins || ok != tt.wantOK {
				t.Errorf("TimeToRoll = (%d, %v), want (%d, %v)", mins, ok, tt.wantMins, tt.wantOK)
			}
		})
	}
}

// Without curr any age is enough, whatever the minimum.
func TestTimeToRollBootstrap(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{0, time.Second, time.Minute, 10 * time.Hour} {
		for _, minRoll := range []int{0, 1, 90, 10000} {
			if _, ok := TimeToRoll(now.Add(-age), true, false, minRoll, now); !ok {
				t.Errorf("age %v min %d: roll refused without curr", age, minRoll)
			}
		}
	}
}
