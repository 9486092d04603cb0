package client

import (
	"sort"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

// publisher delivers the values of one query in sequence order. Values pushed before the
// snapshot is committed, or while a submission of this client is in flight, are buffered in
// sequence order and delivered after.
type publisher[T any] struct {
	mu       sync.Mutex
	query    model.AccountQuery
	handler  func(model.SequencedValue[T])
	ready    bool
	holds    int
	pending  []model.SequencedValue[T]
	last     model.Sequence
	received bool
}

func newPublisher[T any](query model.AccountQuery, handler func(model.SequencedValue[T])) *publisher[T] {
	return &publisher[T]{query: query, handler: handler}
}

func (p *publisher[T]) push(value model.SequencedValue[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready || p.holds > 0 {
		p.buffer(value)
		return
	}
	p.deliver(value)
}

// hold buffers pushes until the matching release.
func (p *publisher[T]) hold() {
	p.mu.Lock()
	p.holds++
	p.mu.Unlock()
}

// release ends a hold, buffering value first when it is not nil.
func (p *publisher[T]) release(value *model.SequencedValue[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value != nil {
		p.buffer(*value)
	}
	p.holds--
	if p.ready && p.holds == 0 {
		p.flush()
	}
}

func (p *publisher[T]) buffer(value model.SequencedValue[T]) {
	i := sort.Search(len(p.pending), func(i int) bool {
		return p.pending[i].Sequence >= value.Sequence
	})
	if i < len(p.pending) && p.pending[i].Sequence == value.Sequence {
		return
	}
	p.pending = append(p.pending, model.SequencedValue[T]{})
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = value
}

func (p *publisher[T]) flush() {
	for _, value := range p.pending {
		p.deliver(value)
	}
	p.pending = nil
}

func (p *publisher[T]) commit(snapshot []model.SequencedValue[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, value := range snapshot {
		p.deliver(value)
	}
	p.ready = true
	if p.holds == 0 {
		p.flush()
	}
}

// deliver drops values at or before the last one delivered.
func (p *publisher[T]) deliver(value model.SequencedValue[T]) {
	if p.received && value.Sequence <= p.last {
		return
	}
	p.last = value.Sequence
	p.received = true
	p.handler(value)
}

// resume returns the query that continues this one after the last value delivered and buffers
// pushes until the new snapshot is committed.
func (p *publisher[T]) resume() model.AccountQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	query := p.query
	if p.received {
		query.Range.Start = p.last.Next()
		query.SnapshotLimit = model.UnlimitedSnapshot()
	}
	return query
}
