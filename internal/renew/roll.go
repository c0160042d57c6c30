// internal/renew/roll.go
package renew

import (
	"math"
	"time"
)

// TimeToRoll reports the age in minutes of the next certificate and
// whether it may become curr. Rolling waits minRollMins after issue so the
// TLSA records advertising next have reached every resolver, except when
// there is no curr certificate to replace. Without a next certificate it
// returns (-1, false).
func TimeToRoll(nextIssued time.Time, hasNext, hasCurr bool, minRollMins int, now time.Time) (int, bool) {
	if !hasNext || nextIssued.IsZero() {
		return -1, false
	}
	secs := now.Sub(nextIssued).Seconds()
	mins := max(int(math.Round(secs))/60, 1)

	if secs >= float64(minRollMins)*60 || !hasCurr {
		return mins, true
	}
	return mins, false
}
