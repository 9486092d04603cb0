// Package compliance validates order submissions and cancels against rules attached to accounts
// and the directories they belong to.
package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/shopspring/decimal"
)

// RuleID identifies a rule entry.
type RuleID uint64

// State of a rule entry.
type State string

const (
	// StateActive rules reject violating operations.
	StateActive State = "ACTIVE"
	// StatePassive rules report violations without rejecting.
	StatePassive State = "PASSIVE"
	// StateDisabled rules are not evaluated.
	StateDisabled State = "DISABLED"
	// StateDeleted marks a removed entry in update notifications.
	StateDeleted State = "DELETED"
)

// ValueKind tags the content of a Value.
type ValueKind string

const (
	KindDecimal  ValueKind = "decimal"
	KindText     ValueKind = "text"
	KindDuration ValueKind = "duration"
	KindBool     ValueKind = "bool"
	KindList     ValueKind = "list"
)

// Value is a rule parameter value.
type Value struct {
	Kind     ValueKind       `json:"kind" yaml:"kind" mapstructure:"kind"`
	Decimal  decimal.Decimal `json:"decimal,omitempty" yaml:"decimal" mapstructure:"decimal"`
	Text     string          `json:"text,omitempty" yaml:"text" mapstructure:"text"`
	Duration time.Duration   `json:"duration,omitempty" yaml:"duration" mapstructure:"duration"`
	Bool     bool            `json:"bool,omitempty" yaml:"bool" mapstructure:"bool"`
	List     []Value         `json:"list,omitempty" yaml:"list" mapstructure:"list"`
}

func DecimalValue(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Decimal: d} }

func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

func DurationValue(d time.Duration) Value { return Value{Kind: KindDuration, Duration: d} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func ListValue(values ...Value) Value { return Value{Kind: KindList, List: values} }

// SecurityList builds a list of security values such as "AAPL.NASDAQ".
func SecurityList(securities ...model.Security) Value {
	values := make([]Value, 0, len(securities))
	for _, s := range securities {
		values = append(values, TextValue(s.String()))
	}
	return ListValue(values...)
}

// Parameter is a named rule parameter.
type Parameter struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Value Value  `json:"value" yaml:"value" mapstructure:"value"`
}

// Schema names a rule and supplies its parameters.
type Schema struct {
	Name       string      `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Parameters []Parameter `json:"parameters" yaml:"parameters" mapstructure:"parameters"`
}

// Parameter returns the parameter called name.
func (s Schema) Parameter(name string) (Value, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Entry attaches a rule schema to a directory entry.
type Entry struct {
	ID             RuleID               `json:"id"`
	DirectoryEntry model.DirectoryEntry `json:"directory_entry"`
	State          State                `json:"state"`
	Schema         Schema               `json:"schema"`
}

// Violation is the audit record of a failed check.
type Violation struct {
	ID         string               `json:"id"`
	Account    model.DirectoryEntry `json:"account"`
	OrderID    model.OrderID        `json:"order_id"`
	RuleID     RuleID               `json:"rule_id"`
	SchemaName string               `json:"schema_name"`
	Reason     string               `json:"reason"`
	Timestamp  time.Time            `json:"timestamp"`
}

// ParseState converts a configuration string to a State.
func ParseState(s string) (State, error) {
	switch state := State(strings.ToUpper(s)); state {
	case StateActive, StatePassive, StateDisabled, StateDeleted:
		return state, nil
	}
	return "", fmt.Errorf("unknown rule state %q", s)
}
