package tasks

import (
	"slices"
	"testing"

	"github.com/dalemusser/sslmgr/config"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		opts    config.Options
		steps   []Step
		tlsa    bool
		toProd  bool
		change  bool
		warning bool
	}{
		{
			name:  "status",
			opts:  config.Options{Status: true},
			steps: []Step{StepStatus},
		},
		{
			name:   "renew",
			opts:   config.Options{Renew: true},
			steps:  []Step{StepNewNext, StepNewKeys, StepNewCSR, StepRenewCert},
			tlsa:   true,
			change: true,
		},
		{
			name:   "renew force",
			opts:   config.Options{Renew: true, Force: true},
			steps:  []Step{StepNewNext, StepNewKeys, StepNewCSR, StepNewCert},
			tlsa:   true,
			change: true,
		},
		{
			name:   "renew reuse",
			opts:   config.Options{Renew: true, Reuse: true},
			steps:  []Step{StepNewNext, StepCopyCurrToNext, StepNewCSR, StepRenewCert},
			tlsa:   true,
			change: true,
		},
		{
			name:   "roll",
			opts:   config.Options{Roll: true},
			steps:  []Step{StepRollNextToCurr},
			tlsa:   true,
			toProd: true,
			change: true,
		},
		{
			name:   "roll force",
			opts:   config.Options{Roll: true, Force: true},
			steps:  []Step{StepNextToCurr},
			tlsa:   true,
			toProd: true,
			change: true,
		},
		{
			name:  "dev new-csr",
			opts:  config.Options{Dev: true, NewCSR: true},
			steps: []Step{StepNewNext, StepNewCSR},
			tlsa:  true,
		},
		{
			name:   "dev copy-csr",
			opts:   config.Options{Dev: true, CopyCSR: true},
			steps:  []Step{StepNewNext, StepCopyCurrToNext},
			tlsa:   true,
			change: true,
		},
		{
			name:   "dev certs-to-prod",
			opts:   config.Options{Dev: true, CertsToProd: true},
			toProd: true,
		},
		{
			name:    "renew and roll",
			opts:    config.Options{Renew: true, Roll: true},
			steps:   []Step{StepNewNext, StepNewKeys, StepNewCSR, StepRenewCert, StepRollNextToCurr},
			tlsa:    true,
			toProd:  true,
			change:  true,
			warning: true,
		},
		{
			name:    "reuse with new keys",
			opts:    config.Options{Dev: true, Reuse: true, NewKeys: true},
			steps:   []Step{StepNewNext, StepNewKeys},
			tlsa:    true,
			warning: true,
		},
		{
			name:    "new cert with renew cert",
			opts:    config.Options{Dev: true, NewCert: true, RenewCert: true},
			steps:   []Step{StepNewNext, StepNewCert, StepRenewCert},
			tlsa:    true,
			change:  true,
			warning: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			tl, warnings := Build(&opts)
			if got := tl.Steps(); !slices.Equal(got, tt.steps) {
				t.Errorf("steps = %v, want %v", got, tt.steps)
			}
			if tl.TLSAUpdate != tt.tlsa {
				t.Errorf("TLSAUpdate = %v, want %v", tl.TLSAUpdate, tt.tlsa)
			}
			if tl.CertsToProd != tt.toProd {
				t.Errorf("CertsToProd = %v, want %v", tl.CertsToProd, tt.toProd)
			}
			if tl.CertChangeRequested() != tt.change {
				t.Errorf("CertChangeRequested = %v, want %v", tl.CertChangeRequested(), tt.change)
			}
			if (len(warnings) > 0) != tt.warning {
				t.Errorf("warnings = %q", warnings)
			}
		})
	}
}

func TestEmpty(t *testing.T) {
	tl, _ := Build(&config.Options{})
	if !tl.Empty() {
		t.Errorf("no options should give an empty task list: %+v", tl)
	}
	tl, _ = Build(&config.Options{DNSRefresh: true})
	if tl.Empty() || !tl.PushDNS {
		t.Errorf("dns-refresh lost")
	}
}
