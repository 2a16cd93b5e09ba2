package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studycal/internal/model"
)

var loc = time.FixedZone("KST", 9*60*60)

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, loc)
}

func series(id string, typ model.RecurrenceType, start time.Time, dur time.Duration) model.EventRecord {
	return model.EventRecord{
		ID:         id,
		Start:      start,
		End:        start.Add(dur),
		Recurrence: &model.Recurrence{Type: typ},
		Details:    model.Details{Title: id, Tags: []string{"study"}},
	}
}

func dates(instances []model.EventInstance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, model.DateOf(inst.Start).String())
	}
	return out
}

func TestExpand_StandaloneWindow(t *testing.T) {
	ev := model.EventRecord{ID: "exam", Start: day(10).Add(9 * time.Hour), End: day(10).Add(11 * time.Hour)}

	got := Expand([]model.EventRecord{ev}, day(10), day(11))
	require.Len(t, got, 1)
	assert.Equal(t, "exam", got[0].ID)
	assert.Equal(t, "exam", got[0].OriginalID)
	assert.False(t, got[0].IsRecurring)

	assert.Empty(t, Expand([]model.EventRecord{ev}, day(11), day(12)))
	// Only the start counts: an event running into the window is not included.
	assert.Empty(t, Expand([]model.EventRecord{ev}, day(10).Add(10*time.Hour), day(12)))
}

func TestExpand_RangeContainment(t *testing.T) {
	s := series("daily", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour)
	rangeStart, rangeEnd := day(5).Add(12*time.Hour), day(9).Add(8*time.Hour)

	got := Expand([]model.EventRecord{s}, rangeStart, rangeEnd)

	assert.Equal(t, []string{"2024-03-06", "2024-03-07", "2024-03-08"}, dates(got))
	for _, inst := range got {
		assert.False(t, inst.Start.Before(rangeStart))
		assert.False(t, inst.Start.After(rangeEnd))
	}
}

func TestExpand_SkipSuppression(t *testing.T) {
	s := series("daily", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour)
	s.Recurrence.SkipDates = []time.Time{day(3).Add(14 * time.Hour)}

	got := Expand([]model.EventRecord{s}, day(1), day(5).Add(23*time.Hour))

	assert.Equal(t, []string{"2024-03-01", "2024-03-02", "2024-03-04", "2024-03-05"}, dates(got))
}

func TestExpand_EndDateBoundary(t *testing.T) {
	s := series("weekly", model.RecurrenceWeekly, day(1).Add(9*time.Hour), time.Hour)
	s.Recurrence.EndDate = day(11)

	got := Expand([]model.EventRecord{s}, day(1), day(31))

	assert.Equal(t, []string{"2024-03-01", "2024-03-08"}, dates(got))
	for _, inst := range got {
		assert.False(t, inst.Start.After(s.Recurrence.EndDate))
	}
}

func TestExpand_EndDateIsInclusive(t *testing.T) {
	start := day(1).Add(9 * time.Hour)
	s := series("weekly", model.RecurrenceWeekly, start, time.Hour)
	s.Recurrence.EndDate = start.AddDate(0, 0, 7)

	got := Expand([]model.EventRecord{s}, day(1), day(31))
	assert.Len(t, got, 2)

	s.Recurrence.EndDate = start.AddDate(0, 0, 7).Add(-time.Nanosecond)
	got = Expand([]model.EventRecord{s}, day(1), day(31))
	assert.Len(t, got, 1)
}

func TestExpand_Deterministic(t *testing.T) {
	events := []model.EventRecord{
		series("b", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour),
		series("a", model.RecurrenceBiweekly, day(2).Add(7*time.Hour), 2*time.Hour),
		{ID: "solo", Start: day(4).Add(13 * time.Hour), End: day(4).Add(14 * time.Hour)},
	}

	first := Expand(events, day(1), day(31))
	second := Expand(events, day(1), day(31))

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].Start.Equal(second[i].Start))
	}
}

func TestExpand_BareSkipDateInOtherZone(t *testing.T) {
	raw := model.RawEvent{
		ID:    "utc-daily",
		Start: "2024-03-01T09:00:00Z",
		End:   "2024-03-01T10:00:00Z",
		Recurrence: &model.RawRecurrence{
			Type:      model.RecurrenceDaily,
			SkipDates: []string{"2024-03-05"},
		},
	}
	// Hydrated in the display zone, which is not the series zone.
	rec, dropped := raw.Hydrate(loc)
	require.Empty(t, dropped)

	got, err := ExpandOccurrences([]model.EventRecord{rec}, ExpandConfig{
		RangeStart: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 3, 6, 23, 59, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-03", "2024-03-04", "2024-03-06"}, dates(got.Instances))
}

func TestExpand_InstanceShape(t *testing.T) {
	s := series("calc", model.RecurrenceDaily, day(1).Add(9*time.Hour), 90*time.Minute)

	got := Expand([]model.EventRecord{s}, day(2), day(2).Add(23*time.Hour))
	require.Len(t, got, 1)

	inst := got[0]
	assert.Equal(t, model.InstanceID("calc", day(2).Add(9*time.Hour)), inst.ID)
	assert.Equal(t, "calc-instance-2024-03-02T00:00:00Z", inst.ID)
	assert.Equal(t, 90*time.Minute, inst.End.Sub(inst.Start))
	assert.True(t, inst.IsRecurring)
	assert.Equal(t, "calc", inst.OriginalID)
	require.NotNil(t, inst.OriginalEvent)
	assert.Equal(t, "calc", inst.OriginalEvent.ID)
	assert.Equal(t, []string{"study"}, inst.Tags)
}

func TestExpand_DoesNotShareStateWithInput(t *testing.T) {
	s := series("calc", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour)
	events := []model.EventRecord{s}

	got := Expand(events, day(1), day(2))
	require.NotEmpty(t, got)
	got[0].Tags[0] = "mutated"
	got[0].OriginalEvent.Recurrence.AddSkip(day(1))

	assert.Equal(t, "study", events[0].Tags[0])
	assert.Empty(t, events[0].Recurrence.SkipDates)
}

func TestExpand_Periods(t *testing.T) {
	tests := []struct {
		typ  model.RecurrenceType
		want []string
	}{
		{model.RecurrenceWeekly, []string{"2024-03-01", "2024-03-08", "2024-03-15", "2024-03-22", "2024-03-29"}},
		{model.RecurrenceBiweekly, []string{"2024-03-01", "2024-03-15", "2024-03-29"}},
		{model.RecurrenceMonthly, []string{"2024-03-01"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			s := series("s", tt.typ, day(1).Add(9*time.Hour), time.Hour)
			assert.Equal(t, tt.want, dates(Expand([]model.EventRecord{s}, day(1), day(31))))
		})
	}
}

func TestExpand_MonthlyClampsToMonthEnd(t *testing.T) {
	start := time.Date(2024, time.January, 31, 18, 0, 0, 0, loc)
	s := series("rent", model.RecurrenceMonthly, start, time.Hour)

	got := Expand([]model.EventRecord{s}, start, time.Date(2024, time.May, 31, 23, 0, 0, 0, loc))

	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"}, dates(got))
	for _, inst := range got {
		assert.Equal(t, 18, inst.Start.Hour())
	}
}

func TestExpand_MonthlyMidMonth(t *testing.T) {
	start := time.Date(2024, time.January, 15, 10, 0, 0, 0, loc)
	s := series("mock", model.RecurrenceMonthly, start, time.Hour)

	got := Expand([]model.EventRecord{s}, start, time.Date(2024, time.April, 30, 0, 0, 0, 0, loc))

	assert.Equal(t, []string{"2024-01-15", "2024-02-15", "2024-03-15", "2024-04-15"}, dates(got))
}

func TestExpand_YearlyLeapDay(t *testing.T) {
	start := time.Date(2024, time.February, 29, 9, 0, 0, 0, loc)
	s := series("leap", model.RecurrenceYearly, start, time.Hour)

	got := Expand([]model.EventRecord{s}, start, time.Date(2028, time.December, 31, 0, 0, 0, 0, loc))

	assert.Equal(t, []string{"2024-02-29", "2025-02-28", "2026-02-28", "2027-02-28", "2028-02-29"}, dates(got))
}

func TestExpand_SeriesStartingAfterRange(t *testing.T) {
	s := series("later", model.RecurrenceDaily, day(20).Add(9*time.Hour), time.Hour)
	assert.Empty(t, Expand([]model.EventRecord{s}, day(1), day(10)))
}

func TestExpand_EndDateBeforeRange(t *testing.T) {
	s := series("ended", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour)
	s.Recurrence.EndDate = day(3)
	assert.Empty(t, Expand([]model.EventRecord{s}, day(10), day(20)))
}

func TestExpand_SkipsInvalidRecords(t *testing.T) {
	broken := model.EventRecord{ID: "broken", Start: day(2)}
	assert.Empty(t, Expand([]model.EventRecord{broken}, day(1), day(3)))
}

func TestExpandOccurrences_InvalidRange(t *testing.T) {
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: day(5), RangeEnd: day(1)})
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Nil(t, Expand(nil, day(5), day(1)))
}

func TestExpandOccurrences_Cap(t *testing.T) {
	start := time.Date(2020, time.January, 1, 8, 0, 0, 0, loc)
	s := series("forever", model.RecurrenceDaily, start, time.Hour)

	res, err := ExpandOccurrences([]model.EventRecord{s}, ExpandConfig{
		RangeStart:              start,
		RangeEnd:                start.AddDate(3, 0, 0),
		MaxOccurrencesPerSeries: 400,
	})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 400)
	assert.Equal(t, []string{"forever"}, res.TruncatedSeries)

	res, err = ExpandOccurrences([]model.EventRecord{s}, ExpandConfig{
		RangeStart: start,
		RangeEnd:   start.AddDate(1, 0, 0),
	})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 367)
	assert.Empty(t, res.TruncatedSeries)
}

func TestExpandOccurrences_CapStopsLongWalks(t *testing.T) {
	s := series("forever", model.RecurrenceDaily, day(1).Add(9*time.Hour), time.Hour)

	began := time.Now()
	res, err := ExpandOccurrences([]model.EventRecord{s}, ExpandConfig{
		RangeStart: day(1),
		RangeEnd:   day(1).AddDate(2000, 0, 0),
	})
	elapsed := time.Since(began)

	require.NoError(t, err)
	assert.Len(t, res.Instances, DefaultMaxOccurrencesPerSeries)
	assert.Equal(t, []string{"forever"}, res.TruncatedSeries)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestExpandOccurrences_CapHasFloor(t *testing.T) {
	start := time.Date(2023, time.January, 1, 8, 0, 0, 0, loc)
	s := series("year", model.RecurrenceDaily, start, time.Hour)

	res, err := ExpandOccurrences([]model.EventRecord{s}, ExpandConfig{
		RangeStart:              start,
		RangeEnd:                time.Date(2023, time.December, 31, 23, 0, 0, 0, loc),
		MaxOccurrencesPerSeries: 100,
	})
	require.NoError(t, err)
	assert.Len(t, res.Instances, 365)
	assert.Empty(t, res.TruncatedSeries)
}

func TestExpandOccurrences_DisplayLocation(t *testing.T) {
	s := series("utc", model.RecurrenceDaily, time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC), time.Hour)

	res, err := ExpandOccurrences([]model.EventRecord{s}, ExpandConfig{
		RangeStart:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:        time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC),
		DisplayLocation: loc,
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, 9, res.Instances[0].Start.Hour())
	assert.Equal(t, loc, res.Instances[0].Start.Location())
}
