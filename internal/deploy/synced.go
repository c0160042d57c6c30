// internal/deploy/synced.go
// Package deploy copies certificates from the cert tree to the production
// tree and on to remote servers, then restarts the servers that depend on
// what changed.
package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dalemusser/sslmgr/config"
	"github.com/dalemusser/sslmgr/internal/certstore"
	"github.com/dalemusser/sslmgr/internal/tlsa"
	"github.com/dalemusser/sslmgr/pantry/crypto"
)

// prodFiles are compared between the cert tree and production.
var prodFiles = []string{
	certstore.PrivKey,
	certstore.Cert,
	certstore.CSR,
	certstore.Bundle,
	certstore.Chain,
	certstore.Fullchain,
}

// CheckProductionSynced compares the curr and next certificates and the
// TLSA file of every group with the production tree, ignoring comment
// lines and whitespace. It returns the mismatches found; none means the
// trees are in sync. A missing cert tree counts as synced.
func CheckProductionSynced(certsDir, prodDir string, groups []config.GroupServices) (bool, []string) {
	if st, err := os.Stat(certsDir); err != nil || !st.IsDir() {
		return true, nil
	}

	var mismatches []string
	mismatch := func(src, dst string) {
		mismatches = append(mismatches, fmt.Sprintf("%s vs %s", src, dst))
	}
	for _, g := range groups {
		prodGroup := filepath.Join(prodDir, g.Group)
		if st, err := os.Stat(prodGroup); err != nil || !st.IsDir() {
			mismatches = append(mismatches, "production group missing: "+g.Group)
			continue
		}

		src := filepath.Join(certsDir, g.Group, tlsa.FileName(g.Group))
		dst := filepath.Join(prodGroup, tlsa.FileName(g.Group))
		if same, err := crypto.SameContent(src, dst, ";"); err != nil || !same {
			mismatch(src, dst)
		}

		for _, svc := range g.Services {
			store, err := certstore.Open(certsDir, g.Group, svc)
			if err != nil {
				mismatches = append(mismatches, err.Error())
				continue
			}
			for _, slot := range []string{certstore.Curr, certstore.Next} {
				if m := compareSlot(store.SlotDir(slot), filepath.Join(prodGroup, svc, slot)); m != "" {
					mismatches = append(mismatches, m)
				}
			}
		}
	}
	return len(mismatches) == 0, mismatches
}

// compareSlot returns "" when both dirs are absent or hold the same files.
func compareSlot(srcDir, dstDir string) string {
	srcOK := srcDir != "" && isDir(srcDir)
	dstOK := isDir(dstDir)
	if !srcOK && !dstOK {
		return ""
	}
	if srcOK != dstOK {
		return fmt.Sprintf("%s vs %s", srcDir, dstDir)
	}
	for _, name := range prodFiles {
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)
		if same, err := crypto.SameContent(src, dst, ";"); err != nil || !same {
			return fmt.Sprintf("%s vs %s", src, dst)
		}
	}
	return ""
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
