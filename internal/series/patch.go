package series

import (
	"slices"
	"time"

	"studycal/internal/model"
)

// Patch is a partial update coming from the editor. Nil fields are left
// alone. Start and End are raw strings and are validated before use.
type Patch struct {
	Start *string `json:"start,omitempty"`
	End   *string `json:"end,omitempty"`

	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Location    *string   `json:"location,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Color       *string   `json:"color,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Energy      *int      `json:"energy,omitempty"`
	Importance  *int      `json:"importance,omitempty"`
	AllDay      *bool     `json:"all_day,omitempty"`

	// Recurrence changes the repeat type of a series. It is ignored when the
	// edit produces a standalone event.
	Recurrence *model.RecurrenceType `json:"recurrence,omitempty"`
}

// times is a patch's start/end after parsing. Zero means "not patched".
type times struct {
	start, end time.Time
}

// parseTimes validates the time fields. Fields that fail to parse are
// reported in dropped and treated as absent.
func (p Patch) parseTimes(loc *time.Location) (times, []string) {
	var (
		out     times
		dropped []string
	)
	if p.Start != nil {
		t, err := model.ParseTime(*p.Start, loc)
		if err != nil {
			dropped = append(dropped, "start")
		} else {
			out.start = t
		}
	}
	if p.End != nil {
		t, err := model.ParseTime(*p.End, loc)
		if err != nil {
			dropped = append(dropped, "end")
		} else {
			out.end = t
		}
	}
	return out, dropped
}

// applyDetails merges the descriptive fields of p over d.
func (p Patch) applyDetails(d model.Details) model.Details {
	d = d.Clone()
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.Location != nil {
		d.Location = *p.Location
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.Color != nil {
		d.Color = *p.Color
	}
	if p.Tags != nil {
		d.Tags = slices.Clone(*p.Tags)
	}
	if p.Energy != nil {
		d.Energy = *p.Energy
	}
	if p.Importance != nil {
		d.Importance = *p.Importance
	}
	if p.AllDay != nil {
		d.AllDay = *p.AllDay
	}
	return d
}

// interval resolves the new [start, end) of an event currently at
// [start, end). Moving only the start keeps the duration. An end that is
// not after the resulting start is dropped.
func (t times) interval(start, end time.Time) (time.Time, time.Time, []string) {
	var dropped []string
	duration := end.Sub(start)

	newStart := start
	if !t.start.IsZero() {
		newStart = t.start
	}
	newEnd := newStart.Add(duration)
	if !t.end.IsZero() {
		if t.end.After(newStart) {
			newEnd = t.end
		} else {
			dropped = append(dropped, "end")
		}
	}
	return newStart, newEnd, dropped
}
