package model

import (
	"cmp"
	"slices"
)

// Clone returns a copy of r that shares no mutable state with it.
func (r *Recurrence) Clone() *Recurrence {
	if r == nil {
		return nil
	}
	out := *r
	out.SkipDates = slices.Clone(r.SkipDates)
	return &out
}

// Clone returns a copy of d with its own tag slice.
func (d Details) Clone() Details {
	d.Tags = slices.Clone(d.Tags)
	return d
}

// Clone returns a deep copy of e. Mutations go through clones so that
// instances handed to callers never change underneath them.
func (e EventRecord) Clone() EventRecord {
	e.Recurrence = e.Recurrence.Clone()
	e.Details = e.Details.Clone()
	return e
}

// Standalone returns a non-recurring record built from inst, used when the
// owning series is gone.
func (inst EventInstance) Standalone() EventRecord {
	id := inst.OriginalID
	if id == "" {
		id = inst.ID
	}
	return EventRecord{
		ID:      id,
		Start:   inst.Start,
		End:     inst.End,
		Details: inst.Details.Clone(),
	}
}

// CompareByStart orders records by start; records without a usable start sort last.
func CompareByStart(a, b EventRecord) int {
	az, bz := a.Start.IsZero(), b.Start.IsZero()
	switch {
	case az && bz:
		return cmp.Compare(a.ID, b.ID)
	case az:
		return 1
	case bz:
		return -1
	}
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
