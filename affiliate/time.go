package affiliate

import "time"

// DateLayout is the calendar-date format used in tiers, contracts and messages.
const DateLayout = "2006-01-02"

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// AddYears moves t forward n years. Feb 29 lands on Feb 28 in non-leap
// years instead of rolling into March.
func AddYears(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y+n, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(target.Year(), m); d > last {
		d = last
	}
	return target.AddDate(0, 0, d-1)
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextRenewalDate extends a contract by one year from its current renewal
// date if that is still in the future, otherwise from today.
func NextRenewalDate(current *time.Time, today time.Time) time.Time {
	base := DateOf(today)
	if current != nil && DateOf(*current).After(base) {
		base = DateOf(*current)
	}
	return AddYears(base, 1)
}

func timePtr(t time.Time) *time.Time { return &t }
