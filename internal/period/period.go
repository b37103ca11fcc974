// Package period computes the reporting period an ingestion batch targets.
package period

import (
	"time"

	"github.com/sells-group/demandsync/internal/model"
)

// Period is the first instant of a reporting month in the source's +03:00 zone.
type Period struct {
	t time.Time
}

// Next returns the period following the month that now falls in, evaluated
// in the source zone. December rolls over to January of the next year.
func Next(now time.Time) Period {
	local := now.In(model.SourceZone)
	// time.Date normalizes month 13 into January of year+1.
	return Period{t: time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, model.SourceZone)}
}

// Of returns the period containing now, in the source zone.
func Of(now time.Time) Period {
	local := now.In(model.SourceZone)
	return Period{t: time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, model.SourceZone)}
}

// Parse reads a period in model.PeriodLayout (or any RFC 3339 timestamp) and
// truncates it to the first of its month.
func Parse(s string) (Period, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Period{}, err
	}
	return Of(t), nil
}

// Time returns the period start.
func (p Period) Time() time.Time { return p.t }

// IsZero reports whether p was never set.
func (p Period) IsZero() bool { return p.t.IsZero() }

// String renders the period as the source expects, e.g.
// "2025-11-01T00:00:00+03:00".
func (p Period) String() string {
	return p.t.Format(model.PeriodLayout)
}
