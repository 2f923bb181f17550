package chat

import "time"

// FormatTimestamp splits t into a day label and a clock time relative to now.
// The day label is "Today", "Yesterday", or a short date; the year is only added when it
// differs from now's year.
func FormatTimestamp(t, now time.Time) (day string, clock string) {
	t = t.In(now.Location())
	clock = t.Format("03:04 PM")

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	msgDay := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case msgDay.Equal(today):
		return "Today", clock
	case msgDay.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday", clock
	case t.Year() != now.Year():
		return t.Format("Mon, Jan 2, 2006"), clock
	default:
		return t.Format("Mon, Jan 2"), clock
	}
}
