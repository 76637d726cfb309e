package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/yume/internal/memory"
)

// foldWindow merges reminder candidates firing close together into one run.
const foldWindow = 15 * time.Minute

// NextRun is the planner's verdict on when the next proactive run should
// fire and why.
type NextRun struct {
	Time   time.Time
	Reason string
	Topic  string
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

type candidate struct {
	at      time.Time
	content string
}

// ComputeNextRun derives the next proactive run time from the reminder
// entries. One-time reminders fire at their recorded instant, recurring
// ones at the next occurrence of their time of day (optionally restricted
// to days of the week). Candidates already in the past are skipped, the
// earliest survivor wins, and any candidates within foldWindow of it are
// folded into the same run's topic. The result is never closer than
// minLead from now; with no candidates at all the run falls back to
// now+fallback as a routine check-in.
func ComputeNextRun(entries []*memory.Entry, now time.Time, minLead, fallback time.Duration) NextRun {
	var cands []candidate
	for _, e := range entries {
		if e.Kind != memory.KindReminder || e.Reminder == nil {
			continue
		}
		at, ok := nextOccurrence(e.Reminder, now)
		if !ok {
			continue
		}
		cands = append(cands, candidate{at: at, content: e.Content})
	}

	if len(cands) == 0 {
		return NextRun{
			Time:   now.Add(fallback),
			Reason: "routine check-in",
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].at.Before(cands[j].at) })

	earliest := cands[0].at
	var topics []string
	for _, c := range cands {
		if c.at.Sub(earliest) <= foldWindow {
			topics = append(topics, c.content)
		}
	}

	runAt := earliest
	if lead := now.Add(minLead); runAt.Before(lead) {
		runAt = lead
	}
	return NextRun{
		Time:   runAt,
		Reason: "reminder",
		Topic:  strings.Join(topics, "; "),
	}
}

// nextOccurrence returns the next instant after now at which the reminder
// fires, or false when it never will again.
func nextOccurrence(r *memory.ReminderOptions, now time.Time) (time.Time, bool) {
	if r.At != nil {
		if r.At.After(now) {
			return r.At.UTC(), true
		}
		return time.Time{}, false
	}
	if r.TimeOfDay == "" {
		return time.Time{}, false
	}
	var hh, mm int
	if _, err := fmt.Sscanf(r.TimeOfDay, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, false
	}

	allowed := make(map[time.Weekday]bool)
	for _, d := range r.DaysOfWeek {
		if wd, ok := weekdays[strings.ToLower(d)]; ok {
			allowed[wd] = true
		}
	}

	day := now
	for i := 0; i < 8; i++ {
		at := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, now.Location())
		if at.After(now) && (len(allowed) == 0 || allowed[at.Weekday()]) {
			return at, true
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}
