// pantry/email/report.go
package email

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// RunReport summarizes a failed manager run.
type RunReport struct {
	Host         string
	Started      time.Time
	Finished     time.Time
	FailedGroups []string
	Errors       []string
}

// FailureMessage builds the notification for a failed run.
func FailureMessage(to []string, r RunReport) Message {
	host := r.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	groups := append([]string(nil), r.FailedGroups...)
	sort.Strings(groups)

	var b strings.Builder
	fmt.Fprintf(&b, "sslm-mgr run on %s failed\n\n", host)
	fmt.Fprintf(&b, "started:  %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "finished: %s\n", r.Finished.Format(time.RFC3339))
	if len(groups) > 0 {
		fmt.Fprintf(&b, "failed groups: %s\n", strings.Join(groups, ", "))
	}
	if len(r.Errors) > 0 {
		b.WriteString("\nerrors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}

	return Message{
		To:      to,
		Subject: fmt.Sprintf("sslm-mgr: run failed on %s", host),
		Body:    b.String(),
	}
}
