package ingest

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest marks FetchRequest validation failures.
var ErrInvalidRequest = errors.New("invalid fetch request")

// ParseDate parses a canonical YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DaysInclusive counts calendar days in [start, end].
func DaysInclusive(start, end time.Time) int {
	return int(end.Sub(start).Hours()/24) + 1
}

// Validate checks date ordering, range length, paging and filters.
func (r FetchRequest) Validate() error {
	start, err := ParseDate(r.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start_date: %v", ErrInvalidRequest, err)
	}
	end, err := ParseDate(r.EndDate)
	if err != nil {
		return fmt.Errorf("%w: end_date: %v", ErrInvalidRequest, err)
	}
	if start.After(end) {
		return fmt.Errorf("%w: start_date %s is after end_date %s", ErrInvalidRequest, r.StartDate, r.EndDate)
	}
	if days := DaysInclusive(start, end); days > MaxRangeDays {
		return fmt.Errorf("%w: range of %d days exceeds %d", ErrInvalidRequest, days, MaxRangeDays)
	}
	if r.PageSize < 0 {
		return fmt.Errorf("%w: page_size must be >= 0", ErrInvalidRequest)
	}
	if r.StartOffset < 0 {
		return fmt.Errorf("%w: start_offset must be >= 0", ErrInvalidRequest)
	}
	for _, f := range r.Filters {
		if f.Dimension == "" {
			return fmt.Errorf("%w: filter dimension is required", ErrInvalidRequest)
		}
		switch f.Operator {
		case FilterEquals, FilterNotEquals, FilterContains, FilterNotContains,
			FilterIncludingRegex, FilterExcludingRegex:
		default:
			return fmt.Errorf("%w: unsupported filter operator %q", ErrInvalidRequest, f.Operator)
		}
	}
	return nil
}

// Clone returns a copy that shares no slices with r.
func (r FetchRequest) Clone() FetchRequest {
	cp := r
	if r.Dimensions != nil {
		cp.Dimensions = append([]string(nil), r.Dimensions...)
	}
	if r.Filters != nil {
		cp.Filters = append([]Filter(nil), r.Filters...)
	}
	return cp
}
