package scanner

import "time"

// ShouldFireNow decides whether a reminder for a dose at nextDose should go
// out now, given the user's lead time and the scan tick tolerance.
//
// The window is [lead-tol, lead+tol) minutes before the dose, half-open so
// adjacent ticks cannot both match the same occurrence edge. With lead=10
// and tol=10 (a 5-minute tick) that fires anywhere from 20 minutes before
// the dose up to the dose instant itself.
func ShouldFireNow(nextDose, now time.Time, lead, tol time.Duration) bool {
	if nextDose.IsZero() {
		return false
	}
	until := nextDose.Sub(now)
	return until >= lead-tol && until < lead+tol
}
