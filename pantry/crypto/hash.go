// pantry/crypto/hash.go
package crypto

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
)

// SHA256Hex computes the SHA-256 hash and returns it as a hex string.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA512Hex computes the SHA-512 hash and returns it as a hex string.
func SHA512Hex(data []byte) string {
	h := sha512.Sum512(data)
	return hex.EncodeToString(h[:])
}

// SHA3_224Hex computes the SHA3-224 hash and returns it as a hex string.
func SHA3_224Hex(data []byte) string {
	h := sha3.Sum224(data)
	return hex.EncodeToString(h[:])
}

// SHA3_224String computes the SHA3-224 hash of a string.
func SHA3_224String(s string) string {
	return SHA3_224Hex([]byte(s))
}

// ContentHash returns the SHA3-224 hash of r with all whitespace removed.
// When comment is non-empty, lines whose first non-blank characters are
// comment are skipped. Trailing comments on a line are kept.
func ContentHash(r io.Reader, comment string) (string, error) {
	h := sha3.New224()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if comment != "" && strings.HasPrefix(line, comment) {
			continue
		}
		h.Write([]byte(stripSpace(line)))
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentHashBytes is ContentHash over an in-memory buffer.
func ContentHashBytes(data []byte, comment string) string {
	sum, _ := ContentHash(bytes.NewReader(data), comment)
	return sum
}

// FileContentHash returns ContentHash of the file at path.
// A missing file hashes to the empty string with no error.
func FileContentHash(path, comment string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	return ContentHash(f, comment)
}

// SameContent reports whether two files hash the same under FileContentHash.
// Two missing files compare equal.
func SameContent(path1, path2, comment string) (bool, error) {
	h1, err := FileContentHash(path1, comment)
	if err != nil {
		return false, err
	}
	h2, err := FileContentHash(path2, comment)
	if err != nil {
		return false, err
	}
	return h1 == h2, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
