// internal/tasks/tasks.go
// Package tasks expands the requested operation (status, renew, roll or the
// dev single steps) into the concrete per-service steps.
package tasks

import (
	"github.com/dalemusser/sslmgr/config"
)

// Step is one per-service step.
type Step string

// Steps in execution order.
const (
	StepStatus         Step = "status"
	StepNewNext        Step = "new_next"
	StepNewKeys        Step = "new_keys"
	StepCopyCurrToNext Step = "copy_curr_to_next"
	StepNewCSR         Step = "new_csr"
	StepNewCert        Step = "new_cert"
	StepRenewCert      Step = "renew_cert"
	StepNextToCurr     Step = "next_to_curr"
	StepRollNextToCurr Step = "roll_next_to_curr"
)

// Order is the fixed per-service execution order.
var Order = []Step{
	StepStatus,
	StepNewNext,
	StepNewKeys,
	StepCopyCurrToNext,
	StepNewCSR,
	StepNewCert,
	StepRenewCert,
	StepNextToCurr,
	StepRollNextToCurr,
}

// TaskList is the expanded set of tasks for one run.
type TaskList struct {
	Status bool
	Renew  bool
	Roll   bool
	Reuse  bool
	Force  bool

	NewNext        bool
	NewKeys        bool
	CopyCurrToNext bool
	NewCSR         bool
	NewCert        bool
	RenewCert      bool
	NextToCurr     bool
	RollNextToCurr bool

	TLSAUpdate  bool
	PushDNS     bool
	CertsToProd bool
}

// Build expands opts. Contradictory requests are not errors; each is
// reported in warnings and the run goes ahead.
func Build(opts *config.Options) (TaskList, []string) {
	t := TaskList{
		Status: opts.Status,
		Renew:  opts.Renew,
		Roll:   opts.Roll,
		Reuse:  opts.Reuse,
		Force:  opts.Force,

		NewKeys:     opts.NewKeys,
		NewCSR:      opts.NewCSR,
		NewCert:     opts.NewCert,
		RenewCert:   opts.RenewCert,
		NextToCurr:  opts.NextToCurr,
		PushDNS:     opts.DNSRefresh,
		CertsToProd: opts.CertsToProd,
	}
	if opts.CopyCSR {
		t.Reuse = true
	}

	if t.Renew {
		if t.Force {
			t.NewCert = true
		} else {
			t.RenewCert = true
		}
		t.NewCSR = true
		if t.Reuse {
			t.CopyCurrToNext = true
		} else {
			t.NewKeys = true
		}
	}
	if opts.CopyCSR {
		t.CopyCurrToNext = true
	}

	if t.Renew || t.NewKeys || t.NewCSR || t.NewCert || t.Reuse {
		t.NewNext = true
		t.TLSAUpdate = true
	}

	if t.Roll {
		if t.Force {
			t.NextToCurr = true
		} else {
			t.RollNextToCurr = true
		}
		t.TLSAUpdate = true
		t.CertsToProd = true
	}

	var warnings []string
	if t.Renew && t.Roll {
		warnings = append(warnings, "both renew and roll requested: renew then roll")
	}
	if t.Renew && t.NextToCurr && !t.Roll {
		warnings = append(warnings, "renew and next-to-curr requested together")
	}
	if t.Reuse && opts.NewKeys {
		warnings = append(warnings, "reuse with new-keys: the new key is replaced by the curr key")
	}
	if opts.NewCert && opts.RenewCert {
		warnings = append(warnings, "new-cert with renew-cert: new-cert makes renew-cert a no-op")
	}
	return t, warnings
}

// Has reports whether step is requested.
func (t TaskList) Has(step Step) bool {
	switch step {
	case StepStatus:
		return t.Status
	case StepNewNext:
		return t.NewNext
	case StepNewKeys:
		return t.NewKeys
	case StepCopyCurrToNext:
		return t.CopyCurrToNext
	case StepNewCSR:
		return t.NewCSR
	case StepNewCert:
		return t.NewCert
	case StepRenewCert:
		return t.RenewCert
	case StepNextToCurr:
		return t.NextToCurr
	case StepRollNextToCurr:
		return t.RollNextToCurr
	}
	return false
}

// Steps returns the requested steps in execution order.
func (t TaskList) Steps() []Step {
	var out []Step
	for _, s := range Order {
		if t.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// CertChangeRequested reports whether any step may change a certificate.
func (t TaskList) CertChangeRequested() bool {
	return t.Renew || t.Roll || t.NewCert || t.RenewCert ||
		t.CopyCurrToNext || t.NextToCurr || t.RollNextToCurr
}

// Empty reports whether nothing at all was requested.
func (t TaskList) Empty() bool {
	return len(t.Steps()) == 0 && !t.TLSAUpdate && !t.PushDNS && !t.CertsToProd
}
