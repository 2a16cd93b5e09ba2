package layout

import (
	"slices"
	"time"

	"studycal/internal/model"
)

// Day is one rendering bucket: the instances starting on Date and their
// column assignments.
type Day struct {
	Date      model.Date
	Instances []model.EventInstance
	Columns   map[string]Assignment
}

// Bucket groups instances by the calendar day of their start in loc,
// preserving input order inside a day. Days are returned in ascending order.
func Bucket(instances []model.EventInstance, loc *time.Location) []Day {
	if loc == nil {
		loc = time.Local
	}

	index := make(map[model.Date]int)
	var days []Day
	for _, inst := range instances {
		d := model.DateOf(inst.Start.In(loc))
		i, ok := index[d]
		if !ok {
			i = len(days)
			index[d] = i
			days = append(days, Day{Date: d})
		}
		days[i].Instances = append(days[i].Instances, inst)
	}

	slices.SortFunc(days, func(a, b Day) int {
		switch {
		case a.Date.Before(b.Date):
			return -1
		case b.Date.Before(a.Date):
			return 1
		}
		return 0
	})
	return days
}

// Days buckets instances by day and lays out every bucket.
func Days(instances []model.EventInstance, loc *time.Location) []Day {
	days := Bucket(instances, loc)
	for i := range days {
		days[i].Columns = Columns(days[i].Instances)
	}
	return days
}
