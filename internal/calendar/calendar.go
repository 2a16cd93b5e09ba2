// Package calendar owns the in-memory collection of event records. It is the
// only place records are mutated; expansion, layout and series resolution
// are pure functions it calls.
package calendar

import (
	"errors"
	"slices"
	"sync"
	"time"

	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/recur"
	"studycal/internal/series"
)

var ErrNotFound = errors.New("calendar: event not found")

// Options configure a Calendar.
type Options struct {
	// Location is the display zone for expansion and for patch times
	// without an offset. Defaults to time.Local.
	Location *time.Location

	// MaxOccurrencesPerSeries is passed to the expander.
	MaxOccurrencesPerSeries int

	// NewID overrides id generation for split/detached records.
	NewID func() string
}

// Calendar holds the canonical event records.
type Calendar struct {
	mu      sync.RWMutex
	records map[string]model.EventRecord

	loc      *time.Location
	maxOcc   int
	resolver series.Resolver
}

// New returns an empty Calendar.
func New(opts Options) *Calendar {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	resolver := series.NewResolver(loc)
	if opts.NewID != nil {
		resolver.NewID = opts.NewID
	}
	return &Calendar{
		records:  make(map[string]model.EventRecord),
		loc:      loc,
		maxOcc:   opts.MaxOccurrencesPerSeries,
		resolver: resolver,
	}
}

// Location returns the display location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Get returns a copy of the record with the given id.
func (c *Calendar) Get(id string) (model.EventRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return model.EventRecord{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of records.
func (c *Calendar) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns copies of all records sorted by start, invalid last.
func (c *Calendar) Records() []model.EventRecord {
	c.mu.RLock()
	out := make([]model.EventRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	c.mu.RUnlock()

	slices.SortFunc(out, model.CompareByStart)
	return out
}

// Replace swaps the whole collection, e.g. after loading from disk.
func (c *Calendar) Replace(records []model.EventRecord) {
	next := make(map[string]model.EventRecord, len(records))
	for _, rec := range records {
		next[rec.ID] = rec.Clone()
	}
	c.mu.Lock()
	c.records = next
	c.mu.Unlock()
}

// Apply applies a mutation: deletes first, then upserts by id.
func (c *Calendar) Apply(m series.Mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range m.Deletes {
		delete(c.records, id)
	}
	for _, rec := range m.Upserts {
		c.records[rec.ID] = rec.Clone()
	}
}

// Merge reconciles a freshly fetched remote collection with the local one.
// Records are matched by id and the incoming version wins. It returns the
// merged collection sorted by start.
func (c *Calendar) Merge(incoming []model.EventRecord) []model.EventRecord {
	c.mu.Lock()
	for _, rec := range incoming {
		c.records[rec.ID] = rec.Clone()
	}
	c.mu.Unlock()
	return c.Records()
}

// Query expands all records over [start, end].
func (c *Calendar) Query(start, end time.Time) (recur.ExpandResult, error) {
	c.mu.RLock()
	records := make([]model.EventRecord, 0, len(c.records))
	for _, rec := range c.records {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	// Map iteration order must not leak into the result.
	slices.SortFunc(records, model.CompareByStart)

	return recur.ExpandOccurrences(records, recur.ExpandConfig{
		RangeStart:              start,
		RangeEnd:                end,
		DisplayLocation:         c.loc,
		MaxOccurrencesPerSeries: c.maxOcc,
	})
}

// Instance rebuilds the instance with the given id. Standalone ids are record
// ids; recurring ids are derived from series id and start and must match a
// real occurrence. A recurring id whose series is gone still yields an
// instance so that the resolver can fall back to standalone handling.
func (c *Calendar) Instance(id string) (model.EventInstance, error) {
	if rec, ok := c.Get(id); ok {
		return model.EventInstance{
			ID:            rec.ID,
			Start:         rec.Start,
			End:           rec.End,
			IsRecurring:   rec.IsRecurring(),
			OriginalID:    rec.ID,
			OriginalEvent: &rec,
			Details:       rec.Details.Clone(),
		}, nil
	}

	seriesID, start, ok := model.ParseInstanceID(id)
	if !ok {
		return model.EventInstance{}, ErrNotFound
	}
	start = start.In(c.loc)

	rec, ok := c.Get(seriesID)
	if !ok {
		appLog.Warn("calendar: series for instance not found", "instance_id", id, "series_id", seriesID)
		return model.EventInstance{
			ID:          id,
			Start:       start,
			End:         start,
			IsRecurring: true,
			OriginalID:  seriesID,
		}, nil
	}

	// The id must name an occurrence the series actually produces: on the
	// rule, not skipped, not past the end date.
	res, err := recur.ExpandOccurrences([]model.EventRecord{rec}, recur.ExpandConfig{
		RangeStart:              start,
		RangeEnd:                start,
		DisplayLocation:         c.loc,
		MaxOccurrencesPerSeries: c.maxOcc,
	})
	if err != nil {
		return model.EventInstance{}, err
	}
	for _, inst := range res.Instances {
		if inst.OriginalID == rec.ID && inst.Start.Equal(start) {
			inst.ID = id
			return inst, nil
		}
	}
	return model.EventInstance{}, ErrNotFound
}

// Delete resolves deleting the instance id with scope. The mutation is not
// applied; callers hand it to Apply (directly or through persistence).
func (c *Calendar) Delete(id string, scope series.Scope) (series.Mutation, error) {
	inst, err := c.Instance(id)
	if err != nil {
		return series.Mutation{}, err
	}
	return c.resolver.Delete(c, inst, scope), nil
}

// Edit resolves applying p to the instance id with scope.
func (c *Calendar) Edit(id string, scope series.Scope, p series.Patch) (series.Result, error) {
	inst, err := c.Instance(id)
	if err != nil {
		return series.Result{}, err
	}
	res := c.resolver.Edit(c, inst, scope, p)
	if len(res.Dropped) > 0 {
		appLog.Info("calendar: ignored invalid patch fields", "instance_id", id, "fields", res.Dropped)
	}
	return res, nil
}
