// internal/tlsa/aggregate.go
package tlsa

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/pantry/fileutil"
)

// Phases named in the aggregate header.
const (
	PhaseNormal = "normal"
	PhaseRoll   = "roll next to curr"
)

// Fragment is one service slot's tlsa.rr.
type Fragment struct {
	Service string
	Slot    string
	Path    string
}

// FileName is the group-level TLSA file name for apex.
func FileName(apex string) string {
	return "tlsa." + apex
}

// Aggregate merges the fragments, in the order given, into the apex file
// at path. Fragment comment lines are dropped; a row already seen is kept
// but commented out with ";; ". The file takes the newest fragment mtime.
// It is written only when some fragment has rows; wrote reports whether it
// was. Identical fragments always produce identical output.
func Aggregate(path, apex, phase string, frags []Fragment) (wrote bool, err error) {
	var b strings.Builder
	fmt.Fprintf(&b, ";;\n;; TLSA %s : phase = %s\n;;\n", apex, phase)

	var seen []string
	var newest time.Time
	for _, fr := range frags {
		data, err := os.ReadFile(fr.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("tlsa: read %s: %w", fr.Path, err)
		}
		if len(data) == 0 {
			continue
		}
		if mt := fileutil.ModTime(fr.Path); mt.After(newest) {
			newest = mt
		}

		fmt.Fprintf(&b, ";;\n;; %s %s\n;;\n", fr.Service, fr.Slot)
		for _, row := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if strings.HasPrefix(row, ";;") || strings.TrimSpace(row) == "" {
				continue
			}
			if slices.Contains(seen, row) {
				row = ";; " + row
			}
			seen = append(seen, row)
			b.WriteString(row + "\n")
		}
	}
	if len(seen) == 0 {
		return false, nil
	}
	b.WriteString("\n")

	if err := fileutil.WriteAtomic(path, []byte(b.String()), 0o644); err != nil {
		return false, fmt.Errorf("tlsa: write %s: %w", path, err)
	}
	if !newest.IsZero() {
		if err := fileutil.SetModTime(path, newest); err != nil {
			return true, fmt.Errorf("tlsa: set mtime %s: %w", path, err)
		}
	}
	return true, nil
}
