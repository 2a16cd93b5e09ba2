package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RecurrenceType names the period a series repeats with.
type RecurrenceType string

const (
	RecurrenceNone     RecurrenceType = "none"
	RecurrenceDaily    RecurrenceType = "daily"
	RecurrenceWeekly   RecurrenceType = "weekly"
	RecurrenceBiweekly RecurrenceType = "biweekly"
	RecurrenceMonthly  RecurrenceType = "monthly"
	RecurrenceYearly   RecurrenceType = "yearly"
)

// Valid reports whether t is one of the known recurrence types.
func (t RecurrenceType) Valid() bool {
	switch t {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceBiweekly,
		RecurrenceMonthly, RecurrenceYearly:
		return true
	}
	return false
}

// Recurrence is the repeat rule of a series.
type Recurrence struct {
	Type RecurrenceType

	// EndDate, if non-zero, is the last instant an occurrence may start at.
	EndDate time.Time

	// SkipDates suppress occurrences by calendar day, not by exact instant.
	SkipDates []time.Time
}

// Details is the descriptive payload of an event. Expansion copies it to
// every instance without looking at it.
type Details struct {
	Title       string
	Description string
	Location    string
	Category    string
	Color       string
	Tags        []string
	Energy      int
	Importance  int
	AllDay      bool
}

// EventRecord is a standalone event or the template of a recurring series.
type EventRecord struct {
	ID    string
	Start time.Time
	End   time.Time

	Recurrence *Recurrence

	Details

	UpdatedAt time.Time
}

// IsRecurring reports whether the record generates more than one occurrence.
func (e EventRecord) IsRecurring() bool {
	return e.Recurrence != nil && e.Recurrence.Type != RecurrenceNone && e.Recurrence.Type != ""
}

// Valid reports whether both interval bounds are usable instants. Records
// whose timestamps failed to hydrate are kept but never expanded.
func (e EventRecord) Valid() bool {
	return !e.Start.IsZero() && !e.End.IsZero()
}

// Duration returns End - Start.
func (e EventRecord) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Skipped reports whether day is one of the series' skip days. Skip dates
// are compared in the location of t.
func (r *Recurrence) Skipped(t time.Time) bool {
	if r == nil || len(r.SkipDates) == 0 {
		return false
	}
	day := DateOf(t)
	for _, s := range r.SkipDates {
		if DateOf(s.In(t.Location())) == day {
			return true
		}
	}
	return false
}

// AddSkip appends t to the skip list unless its day is already present,
// keeping the list sorted.
func (r *Recurrence) AddSkip(t time.Time) {
	if r.Skipped(t) {
		return
	}
	r.SkipDates = append(r.SkipDates, t)
	slices.SortFunc(r.SkipDates, func(a, b time.Time) int { return a.Compare(b) })
}

// EventInstance is one concrete occurrence produced by expansion.
type EventInstance struct {
	ID    string
	Start time.Time
	End   time.Time

	IsRecurring bool

	// OriginalID is the id of the owning record.
	OriginalID string

	// OriginalEvent is a private copy of the owning record; callers must not
	// mutate it.
	OriginalEvent *EventRecord

	Details
}

const instanceSep = "-instance-"

// InstanceID derives the stable id of the occurrence of seriesID starting at
// start. The start is written in UTC so the id does not depend on the zone
// the occurrence is displayed in.
func InstanceID(seriesID string, start time.Time) string {
	return fmt.Sprintf("%s%s%s", seriesID, instanceSep, start.UTC().Format(time.RFC3339))
}

// ParseInstanceID is the inverse of InstanceID. ok is false for ids that
// were not derived from a series (standalone record ids).
func ParseInstanceID(id string) (seriesID string, start time.Time, ok bool) {
	i := strings.LastIndex(id, instanceSep)
	if i <= 0 {
		return "", time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, id[i+len(instanceSep):])
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:i], t, true
}
