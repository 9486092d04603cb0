// Package subscriptions tracks continuous client queries over sequenced values indexed by
// account.
package subscriptions

import (
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

// Predicate tests whether a published value belongs to a query.
type Predicate[T any] func(model.SequencedValue[T]) bool

// Target identifies the query of a client that a published value is delivered to.
type Target[C comparable] struct {
	Client  C
	QueryID uint64
}

// Subscriptions holds the queries of clients of type C over values of type T.
//
// A query is first initialized, which starts buffering matching published values, then its
// snapshot is loaded by the caller and committed. Commit merges the buffered values into the
// snapshot and hands the result to the caller while the index is locked, so no live value of
// the query is delivered before its snapshot.
type Subscriptions[T any, C comparable] struct {
	mu      sync.Mutex
	indexes map[model.DirectoryEntry]*index[T, C]
}

type index[T any, C comparable] struct {
	mu            sync.Mutex
	subscriptions map[Target[C]]*subscription[T]
}

type subscription[T any] struct {
	continuous   bool
	accepts      Predicate[T]
	initializing bool
	pending      []model.SequencedValue[T]
}

// New creates an empty set of subscriptions.
func New[T any, C comparable]() *Subscriptions[T, C] {
	return &Subscriptions[T, C]{
		indexes: make(map[model.DirectoryEntry]*index[T, C]),
	}
}

func (s *Subscriptions[T, C]) index(entry model.DirectoryEntry) *index[T, C] {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[entry]
	if !ok {
		idx = &index[T, C]{subscriptions: make(map[Target[C]]*subscription[T])}
		s.indexes[entry] = idx
	}
	return idx
}

// Initialize registers the query queryID of client over index. Published values accepted by
// accepts are buffered until the query is committed.
func (s *Subscriptions[T, C]) Initialize(entry model.DirectoryEntry, client C, queryID uint64,
	r model.Range, accepts Predicate[T]) {
	idx := s.index(entry)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.subscriptions[Target[C]{Client: client, QueryID: queryID}] = &subscription[T]{
		continuous:   r.IsContinuous(),
		accepts:      accepts,
		initializing: true,
	}
}

// Commit completes the query queryID of client. Buffered values that follow the last value of
// snapshot are appended to it and deliver is called with the result while the index is locked.
// Queries whose range does not extend into live values are removed afterwards.
func (s *Subscriptions[T, C]) Commit(entry model.DirectoryEntry, client C, queryID uint64,
	snapshot []model.SequencedValue[T], deliver func([]model.SequencedValue[T])) {
	idx := s.index(entry)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	target := Target[C]{Client: client, QueryID: queryID}
	sub, ok := idx.subscriptions[target]
	if !ok {
		deliver(snapshot)
		return
	}
	for _, value := range sub.pending {
		if len(snapshot) == 0 || value.Sequence > snapshot[len(snapshot)-1].Sequence {
			snapshot = append(snapshot, value)
		}
	}
	sub.pending = nil
	sub.initializing = false
	deliver(snapshot)
	if !sub.continuous {
		delete(idx.subscriptions, target)
	}
}

// Publish offers value to every query over index. deliver is called for each committed query that
// accepts the value, while the index is locked.
func (s *Subscriptions[T, C]) Publish(entry model.DirectoryEntry, value model.SequencedValue[T],
	deliver func(Target[C])) {
	idx := s.index(entry)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for target, sub := range idx.subscriptions {
		if sub.accepts != nil && !sub.accepts(value) {
			continue
		}
		if sub.initializing {
			sub.pending = append(sub.pending, value)
			continue
		}
		deliver(target)
	}
}

// End removes the query queryID of client over index.
func (s *Subscriptions[T, C]) End(entry model.DirectoryEntry, client C, queryID uint64) {
	idx := s.index(entry)
	idx.mu.Lock()
	delete(idx.subscriptions, Target[C]{Client: client, QueryID: queryID})
	idx.mu.Unlock()
}

// EndQuery removes the query queryID of client over every index.
func (s *Subscriptions[T, C]) EndQuery(client C, queryID uint64) {
	s.remove(func(target Target[C]) bool {
		return target.Client == client && target.QueryID == queryID
	})
}

// RemoveAll removes every query of client.
func (s *Subscriptions[T, C]) RemoveAll(client C) {
	s.remove(func(target Target[C]) bool { return target.Client == client })
}

func (s *Subscriptions[T, C]) remove(match func(Target[C]) bool) {
	s.mu.Lock()
	indexes := make([]*index[T, C], 0, len(s.indexes))
	for _, idx := range s.indexes {
		indexes = append(indexes, idx)
	}
	s.mu.Unlock()
	for _, idx := range indexes {
		idx.mu.Lock()
		for target := range idx.subscriptions {
			if match(target) {
				delete(idx.subscriptions, target)
			}
		}
		idx.mu.Unlock()
	}
}

// Count returns the number of registered queries.
func (s *Subscriptions[T, C]) Count() int {
	s.mu.Lock()
	indexes := make([]*index[T, C], 0, len(s.indexes))
	for _, idx := range s.indexes {
		indexes = append(indexes, idx)
	}
	s.mu.Unlock()
	count := 0
	for _, idx := range indexes {
		idx.mu.Lock()
		count += len(idx.subscriptions)
		idx.mu.Unlock()
	}
	return count
}
