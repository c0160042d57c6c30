// internal/certstore/clean.go
package certstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var generationRE = regexp.MustCompile(`^\d{8}-\d{2}:\d{2}:\d{2}$`)

// Clean removes old generation directories, keeping the keep newest (by
// mtime) that are not referenced by curr, next or prev. Directories whose
// names are not generation names are left alone and reported in skipped.
func (s *Store) Clean(keep int) (removed, skipped []string, err error) {
	if keep < 1 {
		keep = 1
	}
	entries, err := os.ReadDir(s.DBDir)
	if err != nil {
		return nil, nil, fmt.Errorf("certstore: list %s: %w", s.DBDir, err)
	}

	inUse := map[string]bool{s.slots.Curr: true, s.slots.Next: true, s.slots.Prev: true}

	type cand struct {
		path  string
		mtime int64
	}
	var cands []cand
	for _, e := range entries {
		if !e.IsDir() || inUse[e.Name()] {
			continue
		}
		path := filepath.Join(s.DBDir, e.Name())
		if !generationRE.MatchString(e.Name()) {
			skipped = append(skipped, path)
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{path: path, mtime: fi.ModTime().UnixNano()})
	}
	if len(cands) <= keep {
		return nil, skipped, nil
	}

	// newest first; equal mtimes fall back to name so the order is stable
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mtime != cands[j].mtime {
			return cands[i].mtime > cands[j].mtime
		}
		return cands[i].path > cands[j].path
	})
	for _, c := range cands[keep:] {
		if err := os.RemoveAll(c.path); err != nil {
			return removed, skipped, fmt.Errorf("certstore: remove %s: %w", c.path, err)
		}
		removed = append(removed, c.path)
	}
	return removed, skipped, nil
}

// GroupServices names the services found for one group on disk.
type GroupServices struct {
	Group    string
	Services []string
}

// Discover lists every group/service under certsDir whose group also has a
// directory in confDir. Used by clean-all.
func Discover(certsDir, confDir string) ([]GroupServices, error) {
	groups, err := os.ReadDir(certsDir)
	if err != nil {
		return nil, fmt.Errorf("certstore: list %s: %w", certsDir, err)
	}
	var out []GroupServices
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		if st, err := os.Stat(filepath.Join(confDir, g.Name())); err != nil || !st.IsDir() {
			continue
		}
		svcs, err := os.ReadDir(filepath.Join(certsDir, g.Name()))
		if err != nil {
			continue
		}
		gs := GroupServices{Group: g.Name()}
		for _, sv := range svcs {
			if sv.IsDir() {
				gs.Services = append(gs.Services, sv.Name())
			}
		}
		if len(gs.Services) > 0 {
			out = append(out, gs)
		}
	}
	return out, nil
}
