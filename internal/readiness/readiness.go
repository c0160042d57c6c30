// internal/readiness/readiness.go
// Package readiness derives, from file mtimes in one generation directory,
// which stage of key -> csr -> cert -> tlsa is ready to build and which is
// already up to date.
package readiness

import (
	"path/filepath"
	"time"

	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/pantry/fileutil"
)

// Item is the status of one stage.
//
// Ready means every upstream stage is done. Done means the stage is ready,
// its file exists and no upstream file is newer.
type Item struct {
	Ready bool
	Done  bool
	Time  time.Time
}

// State is the status of every stage of one slot.
type State struct {
	Key  Item
	CSR  Item
	Cert Item
	TLSA Item
}

type dep struct {
	done bool
	time time.Time
}

// Compute reads the file times under slotDir (which may be "" for an empty
// slot) and derives the stage chain. svcConf is the mtime of the service
// config; it feeds the csr but not the key, so editing the subject or SANs
// rebuilds the csr and keeps the key.
func Compute(slotDir string, svcConf time.Time) State {
	var st State
	st.Key.Time = fileTime(slotDir, certstore.PrivKey)
	st.CSR.Time = fileTime(slotDir, certstore.CSR)
	st.Cert.Time = fileTime(slotDir, certstore.Cert)
	st.TLSA.Time = fileTime(slotDir, certstore.TLSA)

	st.Key.Ready, st.Key.Done = check(st.Key.Time)
	st.CSR.Ready, st.CSR.Done = check(st.CSR.Time,
		dep{st.Key.Done, st.Key.Time},
		dep{true, svcConf},
	)
	st.Cert.Ready, st.Cert.Done = check(st.Cert.Time, dep{st.CSR.Done, st.CSR.Time})
	st.TLSA.Ready, st.TLSA.Done = check(st.TLSA.Time, dep{st.Cert.Done, st.Cert.Time})
	return st
}

func check(own time.Time, deps ...dep) (ready, done bool) {
	ready = true
	for _, d := range deps {
		if !d.done {
			ready = false
			break
		}
	}
	if !ready || own.IsZero() {
		return ready, false
	}
	for _, d := range deps {
		if d.time.After(own) {
			return ready, false
		}
	}
	return ready, true
}

func fileTime(dir, name string) time.Time {
	if dir == "" {
		return time.Time{}
	}
	return fileutil.ModTime(filepath.Join(dir, name))
}

// AllDone reports whether key, csr and cert are all up to date.
func (s State) AllDone() bool {
	return s.Key.Done && s.CSR.Done && s.Cert.Done
}
