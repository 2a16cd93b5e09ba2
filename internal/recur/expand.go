package recur

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "studycal/internal/log"
	"studycal/internal/model"
)

const (
	// DefaultMaxOccurrencesPerSeries bounds expansion of a single series.
	// It has to cover a one-year view of a daily series.
	DefaultMaxOccurrencesPerSeries = 1000

	minOccurrenceCap = 366
)

var ErrInvalidRange = errors.New("expand: RangeEnd is before RangeStart")

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window occurrences must start in.
	RangeStart time.Time
	RangeEnd   time.Time

	// DisplayLocation, if set, is the zone instances are converted to.
	// Otherwise instances keep the location of their series.
	DisplayLocation *time.Location

	// MaxOccurrencesPerSeries is a safety cap. Zero means
	// DefaultMaxOccurrencesPerSeries; smaller positive values are raised to 366.
	MaxOccurrencesPerSeries int
}

// ExpandResult wraps the expanded instances and the series that hit the cap.
type ExpandResult struct {
	Instances       []model.EventInstance
	TruncatedSeries []string
}

// Expand returns the instances of events that start within [rangeStart, rangeEnd]
// using the default cap. A reversed range yields no instances.
func Expand(events []model.EventRecord, rangeStart, rangeEnd time.Time) []model.EventInstance {
	res, err := ExpandOccurrences(events, ExpandConfig{RangeStart: rangeStart, RangeEnd: rangeEnd})
	if err != nil {
		return nil
	}
	return res.Instances
}

// ExpandOccurrences expands standalone events and recurring series into
// concrete instances:
//
//   - standalone events are kept when their start lies in the window
//   - series are walked from their own start by their period, bounded by
//     the window and the series end date
//   - occurrences on a skip day are dropped without ending the walk
//   - records without usable start/end are ignored
//
// The result is sorted by start, then id, and depends only on its input.
func ExpandOccurrences(events []model.EventRecord, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, ErrInvalidRange
	}
	switch {
	case cfg.MaxOccurrencesPerSeries <= 0:
		cfg.MaxOccurrencesPerSeries = DefaultMaxOccurrencesPerSeries
	case cfg.MaxOccurrencesPerSeries < minOccurrenceCap:
		cfg.MaxOccurrencesPerSeries = minOccurrenceCap
	}

	instances := make([]model.EventInstance, 0, len(events))

	for _, ev := range events {
		if !ev.Valid() {
			appLog.Debug("expand: skipping record without valid interval", "id", ev.ID)
			continue
		}

		if !ev.IsRecurring() {
			if inWindow(ev.Start, cfg.RangeStart, cfg.RangeEnd) {
				instances = append(instances, makeStandalone(ev, cfg.DisplayLocation))
			}
			continue
		}

		occ, hitCap, err := expandSeries(ev, cfg)
		if err != nil {
			appLog.Error("expand: failed to build rule", err, "id", ev.ID, "type", ev.Recurrence.Type)
			continue
		}
		if hitCap {
			result.TruncatedSeries = append(result.TruncatedSeries, ev.ID)
			appLog.Warn("expand: truncated occurrences for series due to cap",
				"id", ev.ID,
				"cap", cfg.MaxOccurrencesPerSeries,
			)
		}
		instances = append(instances, occ...)
	}

	slices.SortFunc(instances, func(a, b model.EventInstance) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	slices.Sort(result.TruncatedSeries)

	result.Instances = instances
	return result, nil
}

func expandSeries(ev model.EventRecord, cfg ExpandConfig) ([]model.EventInstance, bool, error) {
	effectiveEnd := cfg.RangeEnd
	if end := ev.Recurrence.EndDate; !end.IsZero() && end.Before(effectiveEnd) {
		effectiveEnd = end
	}
	if effectiveEnd.Before(ev.Start) || effectiveEnd.Before(cfg.RangeStart) {
		return nil, false, nil
	}

	r, err := ruleFor(ev, effectiveEnd)
	if err != nil {
		return nil, false, err
	}

	// The rule runs in the series' own location so wall-clock time survives
	// DST changes. It is walked lazily so the cap bounds the work as well as
	// the output.
	next := r.Iterator()

	series := ev.Clone()
	duration := ev.Duration()

	var out []model.EventInstance
	for {
		start, ok := next()
		if !ok || start.After(effectiveEnd) {
			return out, false, nil
		}
		if start.Before(cfg.RangeStart) || ev.Recurrence.Skipped(start) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerSeries {
			return out, true, nil
		}
		out = append(out, makeOccurrence(&series, start, duration, cfg.DisplayLocation))
	}
}

// ruleFor builds the recurrence rule for ev, bounded by until.
//
// Month-end anchored series are clamped: a series on the 31st falls on the
// last day of shorter months and returns to the 31st afterwards, and a
// Feb 29 yearly series falls on Feb 28 in common years.
func ruleFor(ev model.EventRecord, until time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{
		Dtstart:  ev.Start,
		Until:    until.In(ev.Start.Location()),
		Interval: 1,
	}

	day := ev.Start.Day()
	switch ev.Recurrence.Type {
	case model.RecurrenceDaily:
		opt.Freq = rrule.DAILY
	case model.RecurrenceWeekly:
		opt.Freq = rrule.WEEKLY
	case model.RecurrenceBiweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case model.RecurrenceMonthly:
		opt.Freq = rrule.MONTHLY
		if day > 28 {
			opt.Bymonthday = clampDays(day)
			opt.Bysetpos = []int{-1}
		}
	case model.RecurrenceYearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(ev.Start.Month())}
		if ev.Start.Month() == time.February && day == 29 {
			opt.Bymonthday = clampDays(day)
			opt.Bysetpos = []int{-1}
		} else {
			opt.Bymonthday = []int{day}
		}
	default:
		return nil, fmt.Errorf("unsupported recurrence type %q", ev.Recurrence.Type)
	}

	return rrule.NewRRule(opt)
}

// clampDays returns day, day-1, ..., 28. Combined with BYSETPOS=-1 it
// selects the latest of those days that exists in a given month.
func clampDays(day int) []int {
	days := make([]int, 0, day-27)
	for d := day; d >= 28; d-- {
		days = append(days, d)
	}
	return days
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func makeStandalone(ev model.EventRecord, displayLoc *time.Location) model.EventInstance {
	rec := ev.Clone()
	return model.EventInstance{
		ID:            ev.ID,
		Start:         inLocation(ev.Start, displayLoc),
		End:           inLocation(ev.End, displayLoc),
		IsRecurring:   false,
		OriginalID:    ev.ID,
		OriginalEvent: &rec,
		Details:       ev.Details.Clone(),
	}
}

// makeOccurrence builds the instance of series starting at start. All
// instances of one expansion share the series copy.
func makeOccurrence(series *model.EventRecord, start time.Time, duration time.Duration, displayLoc *time.Location) model.EventInstance {
	start = inLocation(start, displayLoc)
	return model.EventInstance{
		ID:            model.InstanceID(series.ID, start),
		Start:         start,
		End:           start.Add(duration),
		IsRecurring:   true,
		OriginalID:    series.ID,
		OriginalEvent: series,
		Details:       series.Details.Clone(),
	}
}

func inLocation(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}
