// Package layout assigns side-by-side columns to overlapping instances of
// one calendar day.
package layout

import (
	"cmp"
	"slices"
	"time"

	"studycal/internal/model"
)

// Assignment is the column of one instance within its overlap cluster.
type Assignment struct {
	Col      int `json:"col"`
	ColCount int `json:"col_count"`
}

type span struct {
	id         string
	start, end time.Time
}

// Columns partitions the instances of one day into columns. Overlapping
// instances ([start, end) intersecting) never share a column, and every
// instance of a cluster of transitively overlapping instances gets the
// same ColCount, the minimum needed for that cluster.
//
// Callers invoke it once per day bucket.
func Columns(instances []model.EventInstance) map[string]Assignment {
	out := make(map[string]Assignment, len(instances))
	if len(instances) == 0 {
		return out
	}

	spans := make([]span, 0, len(instances))
	for _, inst := range instances {
		s := span{id: inst.ID, start: inst.Start, end: inst.End}
		if s.end.Before(s.start) {
			s.start, s.end = s.end, s.start
		}
		spans = append(spans, s)
	}

	// Longer events win ties so the dominant one lands in column 0.
	slices.SortFunc(spans, func(a, b span) int {
		if c := a.start.Compare(b.start); c != 0 {
			return c
		}
		if c := cmp.Compare(b.end.Sub(b.start), a.end.Sub(a.start)); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	var (
		cluster    []span
		clusterEnd time.Time
	)
	for _, s := range spans {
		if len(cluster) > 0 && !s.start.Before(clusterEnd) {
			assign(cluster, out)
			cluster = cluster[:0]
		}
		if len(cluster) == 0 || s.end.After(clusterEnd) {
			clusterEnd = s.end
		}
		cluster = append(cluster, s)
	}
	assign(cluster, out)

	return out
}

// assign places each span of a closed cluster in the lowest column that
// is free again at its start.
func assign(cluster []span, out map[string]Assignment) {
	if len(cluster) == 0 {
		return
	}

	var colEnds []time.Time
	cols := make([]int, len(cluster))
	for i, s := range cluster {
		col := -1
		for c, end := range colEnds {
			if !end.After(s.start) {
				col = c
				break
			}
		}
		if col < 0 {
			col = len(colEnds)
			colEnds = append(colEnds, s.end)
		} else {
			colEnds[col] = s.end
		}
		cols[i] = col
	}

	for i, s := range cluster {
		out[s.id] = Assignment{Col: cols[i], ColCount: len(colEnds)}
	}
}
