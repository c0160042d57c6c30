// internal/certstore/store.go
// Package certstore manages the on-disk certificate generations of one
// service: dated directories under db/ plus a small slot record naming the
// curr, next and prev generations.
//
//	<certs>/<group>/<service>/
//	    slots.yaml              curr / next / prev generation names
//	    db/<YYYYMMDD-HH:MM:SS>/ privkey.pem csr.pem cert.pem chain.pem ...
//	    cb/                     ACME client working dir
package certstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dalemusser/sslmgr/pantry/fileutil"
	"gopkg.in/yaml.v3"
)

// Files held by a generation directory.
const (
	PrivKey   = "privkey.pem"
	CSR       = "csr.pem"
	Cert      = "cert.pem"
	Chain     = "chain.pem"
	Fullchain = "fullchain.pem"
	Bundle    = "bundle.pem"
	TLSA      = "tlsa.rr"
	Info      = "info"
)

// Slot names.
const (
	Curr = "curr"
	Next = "next"
	Prev = "prev"
)

// GenerationLayout is the time layout of generation directory names.
const GenerationLayout = "20060102-15:04:05"

const slotsFile = "slots.yaml"

// RequiredFiles must all be present in next before it can become curr.
var RequiredFiles = []string{PrivKey, Cert, CSR, Chain, Fullchain, Bundle}

var (
	ErrMissingFiles    = errors.New("certstore: next is missing required files")
	ErrNoNext          = errors.New("certstore: no next slot")
	ErrNoCurr          = errors.New("certstore: no curr slot")
	ErrGenerationInUse = errors.New("certstore: generation already used by curr or prev")
)

// Slots is the persisted slot record.
type Slots struct {
	Curr string `yaml:"curr"`
	Next string `yaml:"next"`
	Prev string `yaml:"prev"`
}

func (s Slots) get(name string) string {
	switch name {
	case Curr:
		return s.Curr
	case Next:
		return s.Next
	case Prev:
		return s.Prev
	}
	return ""
}

// Store is the certificate store of one group/service.
type Store struct {
	Group   string
	Service string
	Dir     string
	DBDir   string
	CBDir   string

	slots Slots
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for generation names and info files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the store for group/service under certsDir.
func Open(certsDir, group, service string, opts ...Option) (*Store, error) {
	if certsDir == "" || group == "" || service == "" {
		return nil, fmt.Errorf("certstore: open needs certs dir, group and service (%q %q %q)", certsDir, group, service)
	}
	dir := filepath.Join(certsDir, group, service)
	s := &Store{
		Group:   group,
		Service: service,
		Dir:     dir,
		DBDir:   filepath.Join(dir, "db"),
		CBDir:   filepath.Join(dir, "cb"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	for _, d := range []string{s.DBDir, s.CBDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("certstore: create %s: %w", d, err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.Dir, slotsFile))
	if errors.Is(err, fs.ErrNotExist) {
		s.slots = readLegacyLinks(s.Dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("certstore: read slots: %w", err)
	}

	var slots Slots
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&slots); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("certstore: decode %s: %w", filepath.Join(s.Dir, slotsFile), err)
	}
	s.slots = slots
	return nil
}

// readLegacyLinks picks up curr/next/prev symlinks left by older installs.
func readLegacyLinks(dir string) Slots {
	var slots Slots
	for _, name := range []string{Curr, Next, Prev} {
		target, err := os.Readlink(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		gen := filepath.Base(target)
		switch name {
		case Curr:
			slots.Curr = gen
		case Next:
			slots.Next = gen
		case Prev:
			slots.Prev = gen
		}
	}
	return slots
}

func (s *Store) save(slots Slots) error {
	data, err := yaml.Marshal(&slots)
	if err != nil {
		return fmt.Errorf("certstore: encode slots: %w", err)
	}
	if err := fileutil.WriteAtomic(filepath.Join(s.Dir, slotsFile), data, 0o640); err != nil {
		return fmt.Errorf("certstore: write slots: %w", err)
	}
	s.slots = slots
	return nil
}

// Slots returns the current slot record.
func (s *Store) Slots() Slots { return s.slots }

// Slot returns the generation name of slot, or "".
func (s *Store) Slot(name string) string { return s.slots.get(name) }

// SlotDir returns the directory of slot, or "" when the slot is empty.
func (s *Store) SlotDir(name string) string {
	gen := s.slots.get(name)
	if gen == "" {
		return ""
	}
	return filepath.Join(s.DBDir, gen)
}

// Path returns file inside slot, or "" when the slot is empty.
func (s *Store) Path(slot, file string) string {
	dir := s.SlotDir(slot)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, file)
}

// ModTime returns the mtime of file in slot; zero when missing.
func (s *Store) ModTime(slot, file string) time.Time {
	p := s.Path(slot, file)
	if p == "" {
		return time.Time{}
	}
	return fileutil.ModTime(p)
}

// Has reports whether file exists in slot.
func (s *Store) Has(slot, file string) bool {
	p := s.Path(slot, file)
	return p != "" && fileutil.Exists(p)
}

// GenerationName formats t as a generation directory name.
func GenerationName(t time.Time) string {
	return t.Format(GenerationLayout)
}

// NewNext creates generation gen (now when empty) and points next at it.
// A run passes the same gen to every service. Reusing the name of curr or
// prev is refused.
func (s *Store) NewNext(gen string) (string, error) {
	if gen == "" {
		gen = GenerationName(s.now())
	}
	if gen == s.slots.Curr || gen == s.slots.Prev {
		return "", fmt.Errorf("%w: %s", ErrGenerationInUse, gen)
	}
	if err := os.MkdirAll(filepath.Join(s.DBDir, gen), 0o750); err != nil {
		return "", fmt.Errorf("certstore: create generation: %w", err)
	}
	slots := s.slots
	slots.Next = gen
	if err := s.save(slots); err != nil {
		return "", err
	}
	return gen, nil
}

// CopyKeyCSR copies the private key and CSR from curr into next, keeping
// their mtimes so readiness sees them as unchanged.
func (s *Store) CopyKeyCSR() error {
	if s.slots.Curr == "" {
		return ErrNoCurr
	}
	if s.slots.Next == "" {
		return ErrNoNext
	}
	for _, f := range []string{PrivKey, CSR} {
		if err := fileutil.CopyFile(s.Path(Curr, f), s.Path(Next, f)); err != nil {
			return fmt.Errorf("certstore: copy %s to next: %w", f, err)
		}
	}
	return nil
}

// MissingInNext lists required files absent from next.
func (s *Store) MissingInNext() []string {
	var missing []string
	for _, f := range RequiredFiles {
		if !s.Has(Next, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// NextToCurr promotes next: prev=curr, curr=next, next="". Every required
// file must be in next, otherwise nothing changes. An info file recording
// the roll time is written into the new curr.
func (s *Store) NextToCurr() error {
	if s.slots.Next == "" {
		return ErrNoNext
	}
	if missing := s.MissingInNext(); len(missing) > 0 {
		return fmt.Errorf("%w: %v in %s", ErrMissingFiles, missing, s.SlotDir(Next))
	}

	slots := Slots{Prev: s.slots.Prev, Curr: s.slots.Next}
	if s.slots.Curr != "" {
		slots.Prev = s.slots.Curr
	}
	if err := s.save(slots); err != nil {
		return err
	}

	info := fmt.Sprintf("# %s rolled to curr : %s\n", s.Service, GenerationName(s.now()))
	// the roll already happened; a failed info write is not an error
	_ = fileutil.WriteAtomic(s.Path(Curr, Info), []byte(info), 0o640)
	return nil
}
