package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContentHashIgnoresCommentsAndSpace(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		comment string
		same    bool
	}{
		{"identical", "a b\nc\n", "a b\nc\n", ";", true},
		{"whitespace only", "a b\nc\n", "  ab  \n\n c\t\n", ";", true},
		{"comment lines", ";; header\na\n", "a\n;; other\n", ";", true},
		{"indented comment", "  ; x\na\n", "a\n", ";", true},
		{"trailing comment kept", "a ; x\n", "a\n", ";", false},
		{"no comment char", "; x\na\n", "a\n", "", false},
		{"content differs", "a\n", "b\n", ";", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha := ContentHashBytes([]byte(tt.a), tt.comment)
			hb := ContentHashBytes([]byte(tt.b), tt.comment)
			if got := ha == hb; got != tt.same {
				t.Errorf("same = %v, want %v (%q vs %q)", got, tt.same, tt.a, tt.b)
			}
		})
	}
}

func TestFileContentHashMissing(t *testing.T) {
	dir := t.TempDir()
	got, err := FileContentHash(filepath.Join(dir, "nope"), "#")
	if err != nil {
		t.Fatalf("FileContentHash: %v", err)
	}
	if got != "" {
		t.Errorf("hash of missing file = %q, want empty", got)
	}

	p1 := filepath.Join(dir, "one")
	p2 := filepath.Join(dir, "two")
	os.WriteFile(p1, []byte("# c\nabc\n"), 0o644)
	os.WriteFile(p2, []byte("abc"), 0o644)
	same, err := SameContent(p1, p2, "#")
	if err != nil || !same {
		t.Errorf("SameContent = %v, %v; want true, nil", same, err)
	}
	same, _ = SameContent(p1, filepath.Join(dir, "nope"), "#")
	if same {
		t.Errorf("SameContent with missing file = true, want false")
	}
}

func TestSHA3_224(t *testing.T) {
	// SHA3-224("") reference value.
	const want = "6b4e03423667dbb73b6e15454f0eb1abd4597f9a1b078e3f5b5a6bc7"
	if got := SHA3_224String(""); got != want {
		t.Errorf("SHA3_224String(\"\") = %s, want %s", got, want)
	}
}
