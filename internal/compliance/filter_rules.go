package compliance

import (
	"time"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
)

// SymbolFilterRule only passes orders on a set of securities to its inner rule.
type SymbolFilterRule struct {
	securities securitySet
	inner      Rule
}

// NewSymbolFilterRule wraps inner so that it only sees orders whose security is listed in
// symbols. An empty list matches every security.
func NewSymbolFilterRule(symbols Value, inner Rule) *SymbolFilterRule {
	return &SymbolFilterRule{securities: newSecuritySet(symbols), inner: inner}
}

func (r *SymbolFilterRule) Submit(o *order.PrimitiveOrder) error {
	if !r.securities.contains(o.Info().Fields.Security) {
		return nil
	}
	return r.inner.Submit(o)
}

func (r *SymbolFilterRule) Cancel(o *order.PrimitiveOrder) error {
	if !r.securities.contains(o.Info().Fields.Security) {
		return nil
	}
	return r.inner.Cancel(o)
}

func (r *SymbolFilterRule) Add(o *order.PrimitiveOrder) {
	if r.securities.contains(o.Info().Fields.Security) {
		r.inner.Add(o)
	}
}

// TimeFilterRule only checks operations made during a period of the UTC day. Submissions
// outside the period are still added to the inner rule.
type TimeFilterRule struct {
	start time.Duration
	end   time.Duration
	clock clock.Clock
	inner Rule
}

// NewTimeFilterRule wraps inner with the period [start, end) measured from UTC midnight. A
// period ending before it starts spans midnight; an empty period covers the whole day.
func NewTimeFilterRule(start, end time.Duration, c clock.Clock, inner Rule) *TimeFilterRule {
	return &TimeFilterRule{start: start, end: end, clock: c, inner: inner}
}

func (r *TimeFilterRule) inPeriod() bool {
	if r.start == r.end {
		return true
	}
	now := r.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := now.Sub(midnight)
	if r.start < r.end {
		return offset >= r.start && offset < r.end
	}
	return offset >= r.start || offset < r.end
}

func (r *TimeFilterRule) Submit(o *order.PrimitiveOrder) error {
	if !r.inPeriod() {
		r.inner.Add(o)
		return nil
	}
	return r.inner.Submit(o)
}

func (r *TimeFilterRule) Cancel(o *order.PrimitiveOrder) error {
	if !r.inPeriod() {
		return nil
	}
	return r.inner.Cancel(o)
}

func (r *TimeFilterRule) Add(o *order.PrimitiveOrder) {
	r.inner.Add(o)
}
