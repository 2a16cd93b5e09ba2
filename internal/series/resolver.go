// Package series turns edits and deletes aimed at one occurrence into
// mutations of the underlying series records.
package series

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"studycal/internal/model"
)

// Scope selects which occurrences of a series an action applies to.
type Scope string

const (
	// ScopeThis targets only the chosen occurrence.
	ScopeThis Scope = "this"
	// ScopeFuture targets the chosen occurrence and every later one.
	ScopeFuture Scope = "future"
)

// ParseScope maps a request value to a Scope. Empty means ScopeThis.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeThis:
		return ScopeThis, nil
	case ScopeFuture:
		return ScopeFuture, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Collection looks up records by id.
type Collection interface {
	Get(id string) (model.EventRecord, bool)
}

// Records is a map-backed Collection.
type Records map[string]model.EventRecord

func (r Records) Get(id string) (model.EventRecord, bool) {
	rec, ok := r[id]
	return rec, ok
}

// Mutation is the set of record changes to persist. Upserts replace records
// by id; Deletes remove them.
type Mutation struct {
	Upserts []model.EventRecord
	Deletes []string
}

// Empty reports whether m changes nothing.
func (m Mutation) Empty() bool {
	return len(m.Upserts) == 0 && len(m.Deletes) == 0
}

// Result is the outcome of an edit. Dropped lists patch fields that were
// ignored because their value was not a valid time.
type Result struct {
	Mutation
	Dropped []string
}

// Resolver decides how an action on an occurrence maps onto series records.
// It never mutates records it reads; all changes are returned as copies.
type Resolver struct {
	// NewID generates ids for split-off series and detached occurrences.
	NewID func() string

	// Location is used to read patch times without a zone offset.
	Location *time.Location
}

// NewResolver returns a Resolver generating UUIDs.
func NewResolver(loc *time.Location) Resolver {
	return Resolver{NewID: uuid.NewString, Location: loc}
}

func (r Resolver) newID() string {
	if r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}

// owner returns a copy of the record inst was expanded from. When the record
// can no longer be found the instance itself stands in for it.
func (r Resolver) owner(c Collection, inst model.EventInstance) model.EventRecord {
	id := inst.OriginalID
	if id == "" {
		id = inst.ID
	}
	if c != nil {
		if rec, ok := c.Get(id); ok {
			return rec.Clone()
		}
	}
	return inst.Standalone()
}

// Delete resolves deleting inst.
//
//   - standalone record: delete it
//   - ScopeFuture from the first occurrence: delete the series
//   - ScopeFuture from a later occurrence: end the series just before it
//   - ScopeThis: add the occurrence's day to the skip dates
func (r Resolver) Delete(c Collection, inst model.EventInstance, scope Scope) Mutation {
	s := r.owner(c, inst)
	if !s.IsRecurring() {
		return Mutation{Deletes: []string{s.ID}}
	}

	if scope == ScopeFuture {
		if !inst.Start.After(s.Start) {
			return Mutation{Deletes: []string{s.ID}}
		}
		endBefore(s.Recurrence, inst.Start)
		return Mutation{Upserts: []model.EventRecord{s}}
	}

	s.Recurrence.AddSkip(inst.Start)
	return Mutation{Upserts: []model.EventRecord{s}}
}

// Edit resolves applying p to inst.
//
//   - standalone record, or ScopeFuture from the first occurrence: patch the record
//   - ScopeFuture from a later occurrence: split the series at inst
//   - ScopeThis: detach inst into a new standalone event and skip it in the series
//
// Unparseable start/end values are dropped from the patch and reported.
func (r Resolver) Edit(c Collection, inst model.EventInstance, scope Scope, p Patch) Result {
	t, dropped := p.parseTimes(r.Location)
	if p.Recurrence != nil && !p.Recurrence.Valid() {
		dropped = append(dropped, "recurrence")
		p.Recurrence = nil
	}
	s := r.owner(c, inst)

	var (
		m     Mutation
		extra []string
	)
	switch {
	case !s.IsRecurring(), scope == ScopeFuture && !inst.Start.After(s.Start):
		m, extra = r.patchRecord(s, t, p)
	case scope == ScopeFuture:
		m, extra = r.split(s, inst, t, p)
	default:
		m, extra = r.detach(s, inst, t, p)
	}

	return Result{Mutation: m, Dropped: append(dropped, extra...)}
}

func (r Resolver) patchRecord(s model.EventRecord, t times, p Patch) (Mutation, []string) {
	start, end, dropped := t.interval(s.Start, s.End)
	s.Start, s.End = start, end
	s.Details = p.applyDetails(s.Details)
	if p.Recurrence != nil {
		setRecurrence(&s, *p.Recurrence)
	}
	return Mutation{Upserts: []model.EventRecord{s}}, dropped
}

// split ends s just before inst and starts an independent series at inst
// (or at the patched start) that carries the patch.
func (r Resolver) split(s model.EventRecord, inst model.EventInstance, t times, p Patch) (Mutation, []string) {
	tail := model.EventRecord{
		ID:         r.newID(),
		Recurrence: s.Recurrence.Clone(),
		Details:    p.applyDetails(s.Details),
	}
	start, end, dropped := t.interval(inst.Start, inst.Start.Add(s.Duration()))
	tail.Start, tail.End = start, end
	if p.Recurrence != nil {
		setRecurrence(&tail, *p.Recurrence)
	}

	endBefore(s.Recurrence, inst.Start)

	return Mutation{Upserts: []model.EventRecord{s, tail}}, dropped
}

// detach turns inst into its own standalone event and suppresses it in s.
func (r Resolver) detach(s model.EventRecord, inst model.EventInstance, t times, p Patch) (Mutation, []string) {
	single := model.EventRecord{
		ID:      r.newID(),
		Details: p.applyDetails(inst.Details),
	}
	start, end, dropped := t.interval(inst.Start, inst.End)
	single.Start, single.End = start, end

	s.Recurrence.AddSkip(inst.Start)

	return Mutation{Upserts: []model.EventRecord{s, single}}, dropped
}

// endBefore ends r just before t. An end date that is already earlier is
// kept, so a stale request never brings back removed occurrences.
func endBefore(r *model.Recurrence, t time.Time) {
	end := t.Add(-time.Nanosecond)
	if !r.EndDate.IsZero() && !r.EndDate.After(end) {
		return
	}
	r.EndDate = end
}

func setRecurrence(rec *model.EventRecord, typ model.RecurrenceType) {
	if typ == model.RecurrenceNone {
		rec.Recurrence = nil
		return
	}
	if rec.Recurrence == nil {
		rec.Recurrence = &model.Recurrence{}
	}
	rec.Recurrence.Type = typ
}
