package model

import (
	"errors"
	"strings"
	"time"
)

// RawRecurrence is the wire form of Recurrence.
type RawRecurrence struct {
	Type      RecurrenceType `json:"type"`
	EndDate   string         `json:"end_date,omitempty"`
	SkipDates []string       `json:"skip_dates,omitempty"`
}

// RawEvent is the wire form of EventRecord, as stored remotely and sent
// over HTTP. Timestamps are strings and may be malformed.
type RawEvent struct {
	ID          string         `json:"id"`
	Start       string         `json:"start"`
	End         string         `json:"end"`
	Recurrence  *RawRecurrence `json:"recurrence,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Category    string         `json:"category,omitempty"`
	Color       string         `json:"color,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Energy      int            `json:"energy,omitempty"`
	Importance  int            `json:"importance,omitempty"`
	AllDay      bool           `json:"all_day,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
}

var errEmptyTime = errors.New("empty time value")

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseTime parses an instant. Zoned forms (RFC3339) keep their offset;
// local forms such as "2006-01-02T15:04" or "2006-01-02" are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyTime
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatTime is the wire encoding used by ToRaw.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// Hydrate converts the wire form into a record. Unparseable timestamps are
// dropped and their field names returned; the record is still returned so
// that callers can keep it, but Valid reports false when start or end is gone.
func (r RawEvent) Hydrate(loc *time.Location) (EventRecord, []string) {
	var dropped []string
	parse := func(field, v string) time.Time {
		if v == "" {
			return time.Time{}
		}
		t, err := ParseTime(v, loc)
		if err != nil {
			dropped = append(dropped, field)
			return time.Time{}
		}
		return t
	}

	rec := EventRecord{
		ID:    r.ID,
		Start: parse("start", r.Start),
		End:   parse("end", r.End),
		Details: Details{
			Title:       r.Title,
			Description: r.Description,
			Location:    r.Location,
			Category:    r.Category,
			Color:       r.Color,
			Tags:        append([]string(nil), r.Tags...),
			Energy:      r.Energy,
			Importance:  r.Importance,
			AllDay:      r.AllDay,
		},
		UpdatedAt: parse("updated_at", r.UpdatedAt),
	}
	if r.Start == "" {
		dropped = append(dropped, "start")
	}
	if r.End == "" {
		dropped = append(dropped, "end")
	}

	if r.Recurrence != nil && r.Recurrence.Type != "" && r.Recurrence.Type != RecurrenceNone {
		typ := r.Recurrence.Type
		if !typ.Valid() {
			dropped = append(dropped, "recurrence.type")
		} else {
			rec.Recurrence = &Recurrence{
				Type:    typ,
				EndDate: parse("recurrence.end_date", r.Recurrence.EndDate),
			}
			// Skips match by calendar day in the series' zone, so a bare
			// date is read there rather than in loc.
			skipLoc := loc
			if !rec.Start.IsZero() {
				skipLoc = rec.Start.Location()
			}
			for _, s := range r.Recurrence.SkipDates {
				if strings.TrimSpace(s) == "" {
					continue
				}
				t, err := ParseTime(s, skipLoc)
				if err != nil {
					dropped = append(dropped, "recurrence.skip_dates")
					continue
				}
				rec.Recurrence.AddSkip(t)
			}
		}
	}

	return rec, dropped
}

// ToRaw converts a record into its wire form.
func (e EventRecord) ToRaw() RawEvent {
	raw := RawEvent{
		ID:          e.ID,
		Start:       FormatTime(e.Start),
		End:         FormatTime(e.End),
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Category:    e.Category,
		Color:       e.Color,
		Tags:        append([]string(nil), e.Tags...),
		Energy:      e.Energy,
		Importance:  e.Importance,
		AllDay:      e.AllDay,
		UpdatedAt:   FormatTime(e.UpdatedAt),
	}
	if e.IsRecurring() {
		rr := &RawRecurrence{
			Type:    e.Recurrence.Type,
			EndDate: FormatTime(e.Recurrence.EndDate),
		}
		for _, s := range e.Recurrence.SkipDates {
			rr.SkipDates = append(rr.SkipDates, FormatTime(s))
		}
		raw.Recurrence = rr
	}
	return raw
}
