// Package enrich assembles the prompt each consensus stage sends: the
// verified-facts preamble, temporal context, stage instructions, the user
// query and the previous stage's output.
package enrich

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var temporalIndicators = []string{
	"latest",
	"recent",
	"current",
	"today",
	"tonight",
	"tomorrow",
	"yesterday",
	"now",
	"this week",
	"this month",
	"this year",
	"last week",
	"last month",
	"next week",
	"what's new",
	"news",
	"trends",
	"just released",
	"stock price",
	"market",
	"deadline",
	"schedule",
}

var yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

// NeedsTemporalContext reports whether the query refers to relative time,
// current events or an explicit year.
func NeedsTemporalContext(query string) bool {
	lower := strings.ToLower(query)
	for _, indicator := range temporalIndicators {
		if ContainsWord(lower, indicator) {
			return true
		}
	}
	return yearPattern.MatchString(query)
}

// ContainsWord matches phrase only at word boundaries, so "now" does not
// match "known".
func ContainsWord(text, phrase string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(phrase)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// BusinessHours is a working window, end hour exclusive.
type BusinessHours struct {
	StartHour   int
	EndHour     int
	WorkingDays []time.Weekday
}

// StandardBusinessHours is 9:00 to 17:00, Monday to Friday.
func StandardBusinessHours() BusinessHours {
	return BusinessHours{
		StartHour:   9,
		EndHour:     17,
		WorkingDays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// Contains reports whether t falls within the window.
func (b BusinessHours) Contains(t time.Time) bool {
	working := false
	for _, d := range b.WorkingDays {
		if d == t.Weekday() {
			working = true
			break
		}
	}
	return working && t.Hour() >= b.StartHour && t.Hour() < b.EndHour
}

// Temporal describes the current moment for a prompt.
type Temporal struct {
	Date          string `json:"date"`
	Time          string `json:"time"`
	Zone          string `json:"zone"`
	Weekday       string `json:"weekday"`
	TimeOfDay     string `json:"time_of_day"`
	BusinessHours bool   `json:"business_hours"`
	Weekend       bool   `json:"weekend"`
	Quarter       int    `json:"quarter"`
	Year          int    `json:"year"`
}

// TemporalContext describes now in loc. A nil loc means UTC.
func TemporalContext(now time.Time, loc *time.Location, hours BusinessHours) Temporal {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	zone, _ := t.Zone()
	return Temporal{
		Date:          t.Format("2006-01-02"),
		Time:          t.Format("15:04"),
		Zone:          zone,
		Weekday:       t.Weekday().String(),
		TimeOfDay:     timeOfDay(t.Hour()),
		BusinessHours: hours.Contains(t),
		Weekend:       t.Weekday() == time.Saturday || t.Weekday() == time.Sunday,
		Quarter:       (int(t.Month())-1)/3 + 1,
		Year:          t.Year(),
	}
}

func timeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 8:
		return "early morning"
	case hour >= 8 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

// Render formats the context as prompt lines.
func (t Temporal) Render() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Current date: %s (%s)\n", t.Date, t.Weekday))
	sb.WriteString(fmt.Sprintf("Current time: %s %s (%s)\n", t.Time, t.Zone, t.TimeOfDay))
	sb.WriteString(fmt.Sprintf("Business context: Q%d %d, business hours: %t, weekend: %t\n",
		t.Quarter, t.Year, t.BusinessHours, t.Weekend))
	return sb.String()
}
