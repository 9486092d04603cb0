package model

import "time"

// Range bounds a query by sequence and, optionally, by timestamp. Zero times are unbounded.
type Range struct {
	Start     Sequence  `json:"start"`
	End       Sequence  `json:"end"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// TotalRange covers all stored values and every live value.
func TotalRange() Range {
	return Range{Start: SequenceFirst, End: SequenceLast}
}

// RealTimeRange covers only values published after the query.
func RealTimeRange() Range {
	return Range{Start: SequencePresent, End: SequenceLast}
}

// HistoricalRange covers only stored values.
func HistoricalRange() Range {
	return Range{Start: SequenceFirst, End: SequencePresent}
}

// TimeRange covers stored and live values timestamped within [start, end].
func TimeRange(start, end time.Time) Range {
	return Range{Start: SequenceFirst, End: SequenceLast, StartTime: start, EndTime: end}
}

// IsContinuous returns true if the range extends into live values.
func (r Range) IsContinuous() bool {
	return r.End == SequenceLast
}

// IncludesSnapshot returns true if the range covers stored values.
func (r Range) IncludesSnapshot() bool {
	return r.Start != SequencePresent
}

// AcceptsStored tests a stored value against the range.
func (r Range) AcceptsStored(sequence Sequence, timestamp time.Time) bool {
	if !r.IncludesSnapshot() || sequence < r.Start || sequence > r.End {
		return false
	}
	return r.acceptsTime(timestamp)
}

// AcceptsLive tests a newly published value against the range.
func (r Range) AcceptsLive(sequence Sequence, timestamp time.Time) bool {
	if !r.IsContinuous() {
		return false
	}
	if r.Start != SequencePresent && sequence < r.Start {
		return false
	}
	return r.acceptsTime(timestamp)
}

func (r Range) acceptsTime(timestamp time.Time) bool {
	if !r.StartTime.IsZero() && timestamp.Before(r.StartTime) {
		return false
	}
	if !r.EndTime.IsZero() && timestamp.After(r.EndTime) {
		return false
	}
	return true
}

// SnapshotLimitType selects which end of the snapshot is kept.
type SnapshotLimitType string

const (
	SnapshotLimitHead SnapshotLimitType = "HEAD"
	SnapshotLimitTail SnapshotLimitType = "TAIL"
)

// SnapshotLimit caps the number of stored values returned. The zero value returns none and a
// negative size returns all.
type SnapshotLimit struct {
	Type SnapshotLimitType `json:"type"`
	Size int               `json:"size"`
}

// UnlimitedSnapshot returns every stored value.
func UnlimitedSnapshot() SnapshotLimit {
	return SnapshotLimit{Type: SnapshotLimitHead, Size: -1}
}

// IsUnlimited returns true if the limit keeps every value.
func (l SnapshotLimit) IsUnlimited() bool {
	return l.Size < 0
}

// ApplyLimit trims values, ordered by sequence, to limit.
func ApplyLimit[T any](values []T, limit SnapshotLimit) []T {
	if limit.IsUnlimited() || len(values) <= limit.Size {
		return values
	}
	if limit.Type == SnapshotLimitTail {
		return values[len(values)-limit.Size:]
	}
	return values[:limit.Size]
}

// Filter narrows a query to particular orders.
type Filter struct {
	OrderIDs []OrderID `json:"order_ids,omitempty"`
	LiveOnly bool      `json:"live_only,omitempty"`
}

// Matches tests an order id against the filter. isLive reports whether an order is still live.
func (f Filter) Matches(id OrderID, isLive func(OrderID) bool) bool {
	if len(f.OrderIDs) > 0 {
		found := false
		for _, candidate := range f.OrderIDs {
			if candidate == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.LiveOnly && (isLive == nil || !isLive(id)) {
		return false
	}
	return true
}

// AccountQuery selects order submissions or execution reports of one account.
type AccountQuery struct {
	Index         DirectoryEntry `json:"index"`
	Range         Range          `json:"range"`
	SnapshotLimit SnapshotLimit  `json:"snapshot_limit"`
	Filter        Filter         `json:"filter"`
}

// NewRealTimeQuery returns a query that only receives live values for index.
func NewRealTimeQuery(index DirectoryEntry) AccountQuery {
	return AccountQuery{Index: index, Range: RealTimeRange()}
}
