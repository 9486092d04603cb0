package model

import "math"

// Sequence orders values published under one index.
type Sequence uint64

const (
	// SequenceFirst precedes every stored value.
	SequenceFirst Sequence = 0
	// SequencePresent marks the boundary between stored history and live values.
	SequencePresent Sequence = math.MaxUint64 - 1
	// SequenceLast follows every value, stored or live.
	SequenceLast Sequence = math.MaxUint64
)

// Next returns the sequence that follows s.
func (s Sequence) Next() Sequence {
	return s + 1
}

// SequencedValue pairs a value with the sequence it was published under.
type SequencedValue[T any] struct {
	Value    T        `json:"value"`
	Sequence Sequence `json:"sequence"`
}

// IndexedValue pairs a value with the index (account) it belongs to.
type IndexedValue[T any] struct {
	Value T              `json:"value"`
	Index DirectoryEntry `json:"index"`
}

// Sequenced wraps value with sequence.
func Sequenced[T any](value T, sequence Sequence) SequencedValue[T] {
	return SequencedValue[T]{Value: value, Sequence: sequence}
}

// Indexed wraps value with index.
func Indexed[T any](value T, index DirectoryEntry) IndexedValue[T] {
	return IndexedValue[T]{Value: value, Index: index}
}

type (
	AccountOrderInfo                = IndexedValue[OrderInfo]
	AccountOrderRecord              = IndexedValue[OrderRecord]
	AccountExecutionReport          = IndexedValue[ExecutionReport]
	SequencedOrderInfo              = SequencedValue[OrderInfo]
	SequencedOrderRecord            = SequencedValue[OrderRecord]
	SequencedExecutionReport        = SequencedValue[ExecutionReport]
	SequencedAccountOrderInfo       = SequencedValue[AccountOrderInfo]
	SequencedAccountOrderRecord     = SequencedValue[AccountOrderRecord]
	SequencedAccountExecutionReport = SequencedValue[AccountExecutionReport]
)
