package utils

import "time"

// CurrentTime returns the current time in UTC. All persisted timestamps use
// UTC so deadline comparisons do not depend on server locale.
func CurrentTime() time.Time {
	return time.Now().UTC()
}

// EndOfDay clamps t to 23:59:59 UTC of the same date. Deadlines are always
// end-of-day so every unit of a multi-national consortium reads the same
// expiry date.
func EndOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// DeadlineAfter computes the end-of-day deadline days from now.
func DeadlineAfter(now time.Time, days int) time.Time {
	return EndOfDay(now).AddDate(0, 0, days)
}

// Timestamp formats t the way bucket names and public ids embed it.
func Timestamp(t time.Time) string {
	return t.UTC().Format("060102150405")
}
