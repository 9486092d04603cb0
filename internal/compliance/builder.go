package compliance

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/agnivade/levenshtein"
)

// Names of the standard rule schemas.
const (
	MaxOrderQuantitySchema  = "max_order_quantity"
	BuyingPowerSchema       = "buying_power"
	OpposingOrderSchema     = "opposing_order_submission"
	RejectSubmissionsSchema = "reject_submissions"
	RejectCancelsSchema     = "reject_cancels"
)

// ErrUnknownSchema is returned for a schema name no builder knows.
var ErrUnknownSchema = errors.New("unknown compliance rule schema")

// BuildFunc builds a rule from its schema.
type BuildFunc func(schema Schema) (Rule, error)

// Builder constructs rules from rule entries.
type Builder struct {
	builders map[string]BuildFunc
}

// NewBuilder creates a Builder knowing the standard schemas.
func NewBuilder(c clock.Clock) *Builder {
	b := &Builder{builders: make(map[string]BuildFunc)}
	b.Register(MaxOrderQuantitySchema, withSymbolFilter(func(schema Schema) (Rule, error) {
		quantity, err := decimalParameter(schema, "quantity")
		if err != nil {
			return nil, err
		}
		return &MaxOrderQuantityRule{Quantity: quantity}, nil
	}))
	b.Register(BuyingPowerSchema, withSymbolFilter(func(schema Schema) (Rule, error) {
		currency, err := textParameter(schema, "currency")
		if err != nil {
			return nil, err
		}
		buyingPower, err := decimalParameter(schema, "buying_power")
		if err != nil {
			return nil, err
		}
		return NewBuyingPowerRule(currency, buyingPower), nil
	}))
	b.Register(OpposingOrderSchema, withSymbolFilter(func(schema Schema) (Rule, error) {
		timeout, err := durationParameter(schema, "timeout")
		if err != nil {
			return nil, err
		}
		offset, err := decimalParameter(schema, "offset")
		if err != nil {
			return nil, err
		}
		start, _ := durationParameter(schema, "start_period")
		end, _ := durationParameter(schema, "end_period")
		return NewTimeFilterRule(start, end, c, NewOpposingOrderRule(timeout, offset, c)), nil
	}))
	b.Register(RejectSubmissionsSchema, withSymbolFilter(func(schema Schema) (Rule, error) {
		reason, err := textParameter(schema, "reason")
		if err != nil {
			reason = "Submissions are not permitted."
		}
		return &RejectSubmissionsRule{Reason: reason}, nil
	}))
	b.Register(RejectCancelsSchema, withSymbolFilter(func(schema Schema) (Rule, error) {
		reason, err := textParameter(schema, "reason")
		if err != nil {
			reason = "Cancels are not permitted."
		}
		return &RejectCancelsRule{Reason: reason}, nil
	}))
	return b
}

// withSymbolFilter wraps the built rule in a SymbolFilterRule when the schema has a symbols
// parameter.
func withSymbolFilter(build BuildFunc) BuildFunc {
	return func(schema Schema) (Rule, error) {
		rule, err := build(schema)
		if err != nil {
			return nil, err
		}
		if symbols, ok := schema.Parameter("symbols"); ok {
			return NewSymbolFilterRule(symbols, rule), nil
		}
		return rule, nil
	}
}

// Register adds or replaces the builder of a schema.
func (b *Builder) Register(name string, build BuildFunc) {
	b.builders[name] = build
}

// Schemas returns the known schema names.
func (b *Builder) Schemas() []string {
	names := make([]string, 0, len(b.builders))
	for name := range b.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the rule of entry.
func (b *Builder) Build(entry Entry) (Rule, error) {
	build, ok := b.builders[entry.Schema.Name]
	if !ok {
		if suggestion := b.closest(entry.Schema.Name); suggestion != "" {
			return nil, fmt.Errorf("%w: %q, did you mean %q", ErrUnknownSchema, entry.Schema.Name, suggestion)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, entry.Schema.Name)
	}
	return build(entry.Schema)
}

func (b *Builder) closest(name string) string {
	best := ""
	bestDistance := len(name)/2 + 1
	for _, candidate := range b.Schemas() {
		if d := levenshtein.ComputeDistance(name, candidate); d < bestDistance {
			best, bestDistance = candidate, d
		}
	}
	return best
}
