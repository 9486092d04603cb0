package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/tidwall/btree"
)

// InMemoryRepository is a DataStore held in memory, indexed per account by sequence.
type InMemoryRepository struct {
	mu       sync.RWMutex
	accounts map[model.DirectoryEntry]*accountIndex
	orders   map[model.OrderID]model.SequencedAccountOrderInfo
	reports  map[model.OrderID][]model.ExecutionReport
	live     map[model.OrderID]struct{}
	closed   bool
}

type accountIndex struct {
	submissions *btree.Map[model.Sequence, model.OrderInfo]
	reports     *btree.Map[model.Sequence, model.ExecutionReport]
}

// NewInMemoryRepository creates an empty in-memory data store.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		accounts: make(map[model.DirectoryEntry]*accountIndex),
		orders:   make(map[model.OrderID]model.SequencedAccountOrderInfo),
		reports:  make(map[model.OrderID][]model.ExecutionReport),
		live:     make(map[model.OrderID]struct{}),
	}
}

func (r *InMemoryRepository) account(entry model.DirectoryEntry) *accountIndex {
	idx, ok := r.accounts[entry]
	if !ok {
		idx = &accountIndex{
			submissions: btree.NewMap[model.Sequence, model.OrderInfo](32),
			reports:     btree.NewMap[model.Sequence, model.ExecutionReport](32),
		}
		r.accounts[entry] = idx
	}
	return idx
}

func (r *InMemoryRepository) isLive(id model.OrderID) bool {
	_, ok := r.live[id]
	return ok
}

// scan collects the values of m accepted by query, honouring the snapshot limit.
func scan[T any](m *btree.Map[model.Sequence, T], query model.AccountQuery,
	accepts func(model.Sequence, T) bool) []model.SequencedValue[T] {
	limit := query.SnapshotLimit
	if (!limit.IsUnlimited() && limit.Size == 0) || !query.Range.IncludesSnapshot() {
		return nil
	}
	var values []model.SequencedValue[T]
	full := func() bool { return !limit.IsUnlimited() && len(values) >= limit.Size }
	collect := func(sequence model.Sequence, value T) bool {
		if sequence < query.Range.Start || sequence > query.Range.End {
			return false
		}
		if accepts(sequence, value) {
			values = append(values, model.Sequenced(value, sequence))
		}
		return !full()
	}
	if limit.Type == model.SnapshotLimitTail && !limit.IsUnlimited() {
		m.Descend(query.Range.End, collect)
		for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
			values[i], values[j] = values[j], values[i]
		}
		return values
	}
	m.Ascend(query.Range.Start, collect)
	return values
}

// LoadOrderSubmissions implements DataStore.
func (r *InMemoryRepository) LoadOrderSubmissions(ctx context.Context, query model.AccountQuery) ([]model.SequencedOrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	idx, ok := r.accounts[query.Index]
	if !ok {
		return nil, nil
	}
	infos := scan(idx.submissions, query, func(sequence model.Sequence, info model.OrderInfo) bool {
		return query.Range.AcceptsStored(sequence, info.Timestamp) && query.Filter.Matches(info.ID, r.isLive)
	})
	records := make([]model.SequencedOrderRecord, 0, len(infos))
	for _, info := range infos {
		records = append(records, model.Sequenced(model.OrderRecord{
			Info:             info.Value,
			ExecutionReports: append([]model.ExecutionReport(nil), r.reports[info.Value.ID]...),
		}, info.Sequence))
	}
	return records, nil
}

// LoadExecutionReports implements DataStore.
func (r *InMemoryRepository) LoadExecutionReports(ctx context.Context, query model.AccountQuery) ([]model.SequencedExecutionReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	idx, ok := r.accounts[query.Index]
	if !ok {
		return nil, nil
	}
	return scan(idx.reports, query, func(sequence model.Sequence, report model.ExecutionReport) bool {
		return query.Range.AcceptsStored(sequence, report.Timestamp) && query.Filter.Matches(report.ID, r.isLive)
	}), nil
}

// LoadOrder implements DataStore.
func (r *InMemoryRepository) LoadOrder(ctx context.Context, id model.OrderID) (model.SequencedAccountOrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return model.SequencedAccountOrderRecord{}, ErrClosed
	}
	info, ok := r.orders[id]
	if !ok {
		return model.SequencedAccountOrderRecord{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	record := model.OrderRecord{
		Info:             info.Value.Value,
		ExecutionReports: append([]model.ExecutionReport(nil), r.reports[id]...),
	}
	return model.Sequenced(model.Indexed(record, info.Value.Index), info.Sequence), nil
}

// StoreOrderInfo implements DataStore.
func (r *InMemoryRepository) StoreOrderInfo(ctx context.Context, info model.SequencedAccountOrderInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	id := info.Value.Value.ID
	if _, ok := r.orders[id]; ok {
		return fmt.Errorf("order %d already stored", id)
	}
	r.account(info.Value.Index).submissions.Set(info.Sequence, info.Value.Value)
	r.orders[id] = info
	r.live[id] = struct{}{}
	return nil
}

// StoreExecutionReport implements DataStore.
func (r *InMemoryRepository) StoreExecutionReport(ctx context.Context, report model.SequencedAccountExecutionReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	value := report.Value.Value
	existing := r.reports[value.ID]
	for _, stored := range existing {
		if stored.Sequence == value.Sequence {
			return fmt.Errorf("execution report %d of order %d already stored", value.Sequence, value.ID)
		}
	}
	r.account(report.Value.Index).reports.Set(report.Sequence, value)
	r.reports[value.ID] = append(existing, value)
	if model.IsTerminal(value.Status) {
		delete(r.live, value.ID)
	}
	return nil
}

// Close implements DataStore.
func (r *InMemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
