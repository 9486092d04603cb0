package compliance

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/shopspring/decimal"
)

// CheckError is returned by a rule rejecting an operation.
type CheckError struct {
	Reason string
}

func (e *CheckError) Error() string {
	return e.Reason
}

// NewCheckError creates a CheckError with reason.
func NewCheckError(reason string) *CheckError {
	return &CheckError{Reason: reason}
}

// ReasonOf returns the reason of a CheckError, or the error text for any other error.
func ReasonOf(err error) string {
	var check *CheckError
	if errors.As(err, &check) {
		return check.Reason
	}
	return err.Error()
}

// Rule checks operations on orders. Implementations must be safe for concurrent use and must
// not call back into an order while holding a lock that an order report handler takes.
type Rule interface {
	// Submit checks an order submission. A nil return accepts the order.
	Submit(o *order.PrimitiveOrder) error

	// Cancel checks a cancel request.
	Cancel(o *order.PrimitiveOrder) error

	// Add makes the rule aware of an order that was submitted without a check.
	Add(o *order.PrimitiveOrder)
}

// NopRule accepts every operation. Rules embed it to implement only what they check.
type NopRule struct{}

func (NopRule) Submit(*order.PrimitiveOrder) error { return nil }

func (NopRule) Cancel(*order.PrimitiveOrder) error { return nil }

func (NopRule) Add(*order.PrimitiveOrder) {}

// reportQueue collects the reports of monitored orders until a rule processes them. Its lock is
// always taken last.
type reportQueue struct {
	mu      sync.Mutex
	reports []model.ExecutionReport
}

func (q *reportQueue) push(report model.ExecutionReport) {
	q.mu.Lock()
	q.reports = append(q.reports, report)
	q.mu.Unlock()
}

func (q *reportQueue) drain() []model.ExecutionReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	reports := q.reports
	q.reports = nil
	return reports
}

// securitySet matches securities by their string form. An empty set or the "*" wildcard matches
// every security.
type securitySet map[string]struct{}

func newSecuritySet(value Value) securitySet {
	set := make(securitySet)
	for _, v := range value.List {
		set[strings.ToUpper(v.Text)] = struct{}{}
	}
	if value.Kind == KindText && value.Text != "" {
		set[strings.ToUpper(value.Text)] = struct{}{}
	}
	return set
}

func (s securitySet) contains(security model.Security) bool {
	if len(s) == 0 {
		return true
	}
	if _, ok := s["*"]; ok {
		return true
	}
	if _, ok := s[strings.ToUpper(security.String())]; ok {
		return true
	}
	_, ok := s[strings.ToUpper(security.Symbol)]
	return ok
}

func decimalParameter(schema Schema, name string) (decimal.Decimal, error) {
	v, ok := schema.Parameter(name)
	if !ok {
		return decimal.Zero, fmt.Errorf("rule %s: missing parameter %s", schema.Name, name)
	}
	if v.Kind != KindDecimal {
		return decimal.Zero, fmt.Errorf("rule %s: parameter %s is %s, not decimal", schema.Name, name, v.Kind)
	}
	return v.Decimal, nil
}

func durationParameter(schema Schema, name string) (time.Duration, error) {
	v, ok := schema.Parameter(name)
	if !ok {
		return 0, fmt.Errorf("rule %s: missing parameter %s", schema.Name, name)
	}
	if v.Kind != KindDuration {
		return 0, fmt.Errorf("rule %s: parameter %s is %s, not duration", schema.Name, name, v.Kind)
	}
	return v.Duration, nil
}

func textParameter(schema Schema, name string) (string, error) {
	v, ok := schema.Parameter(name)
	if !ok {
		return "", fmt.Errorf("rule %s: missing parameter %s", schema.Name, name)
	}
	if v.Kind != KindText {
		return "", fmt.Errorf("rule %s: parameter %s is %s, not text", schema.Name, name, v.Kind)
	}
	return v.Text, nil
}

func securitiesParameter(schema Schema, name string) securitySet {
	v, _ := schema.Parameter(name)
	return newSecuritySet(v)
}
