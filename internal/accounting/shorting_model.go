// Package accounting tracks per-account positions used to classify orders.
package accounting

import (
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/shopspring/decimal"
)

// ShortingModel tracks the positions and pending asks of one account and determines whether an
// ask would sell short.
type ShortingModel struct {
	mu        sync.Mutex
	positions map[model.Security]decimal.Decimal
	asks      map[model.Security]decimal.Decimal
	orders    map[model.OrderID]*trackedOrder
}

type trackedOrder struct {
	security  model.Security
	side      model.Side
	remaining decimal.Decimal
}

// NewShortingModel creates a flat ShortingModel.
func NewShortingModel() *ShortingModel {
	return &ShortingModel{
		positions: make(map[model.Security]decimal.Decimal),
		asks:      make(map[model.Security]decimal.Decimal),
		orders:    make(map[model.OrderID]*trackedOrder),
	}
}

// Submit records a new order and returns true if it is a short sale, that is an ask exceeding the
// position left after every pending ask.
func (m *ShortingModel) Submit(id model.OrderID, fields model.OrderFields) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; ok {
		return false
	}
	m.orders[id] = &trackedOrder{
		security:  fields.Security,
		side:      fields.Side,
		remaining: fields.Quantity,
	}
	if fields.Side != model.SideAsk {
		return false
	}
	pending := m.asks[fields.Security]
	available := m.positions[fields.Security].Sub(pending)
	m.asks[fields.Security] = pending.Add(fields.Quantity)
	return available.Sub(fields.Quantity).IsNegative()
}

// Update applies an execution report of a submitted order.
func (m *ShortingModel) Update(report model.ExecutionReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[report.ID]
	if !ok {
		return
	}
	if report.LastQuantity.IsPositive() {
		fill := decimal.Min(report.LastQuantity, o.remaining)
		if o.side == model.SideAsk {
			m.positions[o.security] = m.positions[o.security].Sub(report.LastQuantity)
			m.asks[o.security] = m.asks[o.security].Sub(fill)
		} else {
			m.positions[o.security] = m.positions[o.security].Add(report.LastQuantity)
		}
		o.remaining = o.remaining.Sub(fill)
	}
	if model.IsTerminal(report.Status) {
		if o.side == model.SideAsk {
			m.asks[o.security] = m.asks[o.security].Sub(o.remaining)
		}
		delete(m.orders, report.ID)
	}
}

// Position returns the current position in security.
func (m *ShortingModel) Position(security model.Security) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[security]
}

// PendingAsks returns the unfilled quantity of live asks in security.
func (m *ShortingModel) PendingAsks(security model.Security) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asks[security]
}
