// internal/service/status.go
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/sslmgr/internal/certstore"
	"go.uber.org/zap"
)

// StatusLines describes the curr and next certificates. verb adds the SANs
// and signature algorithm.
func (s *Service) StatusLines(verb bool) []string {
	now := s.env.now()
	var out []string
	for _, slot := range []string{certstore.Curr, certstore.Next} {
		if s.Store.Slot(slot) == "" {
			continue
		}
		info := s.certInfo(slot)
		if info == nil {
			out = append(out, fmt.Sprintf("%-12s : Failed to read cert", slot))
			continue
		}
		out = append(out,
			fmt.Sprintf("%-12s : expires: %s (%s)", slot, info.NotAfter.UTC().Format(time.DateTime), info.ExpiryString(now)),
			fmt.Sprintf("%12s : %s", "issuer", info.Issuer),
			fmt.Sprintf("%12s : %s", "subject", info.Subject),
			fmt.Sprintf("%12s : %s", "pubkey", info.KeyAlgo),
		)
		if verb {
			out = append(out,
				fmt.Sprintf("%12s : %s", "sans", strings.Join(info.SANs, ", ")),
				fmt.Sprintf("%12s : %s", "sig_algo", info.Cert.SignatureAlgorithm),
			)
		}
	}
	return out
}

// Status logs StatusLines.
func (s *Service) Status() error {
	for _, line := range s.StatusLines(s.env.Verb) {
		s.log.Info("status", zap.String("cert", line))
	}
	return nil
}
