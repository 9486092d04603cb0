package driver

import (
	"context"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/shopspring/decimal"
)

// MockDriver records every call and only changes orders when told to. It is used by tests.
type MockDriver struct {
	mu         sync.Mutex
	orders     map[model.OrderID]*order.PrimitiveOrder
	submitted  []model.OrderInfo
	canceled   []model.OrderID
	recovered  []model.OrderID
	closed     bool
	RecoverErr func(model.SequencedAccountOrderRecord) error
}

// NewMockDriver creates a MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{orders: make(map[model.OrderID]*order.PrimitiveOrder)}
}

// Recover implements Driver.
func (d *MockDriver) Recover(ctx context.Context, record model.SequencedAccountOrderRecord) (*order.PrimitiveOrder, error) {
	if d.RecoverErr != nil {
		if err := d.RecoverErr(record); err != nil {
			return nil, err
		}
	}
	o := order.NewPrimitiveOrderFromRecord(record.Value.Value)
	d.mu.Lock()
	d.orders[o.ID()] = o
	d.recovered = append(d.recovered, o.ID())
	d.mu.Unlock()
	return o, nil
}

// Add implements Driver.
func (d *MockDriver) Add(ctx context.Context, o *order.PrimitiveOrder) error {
	d.mu.Lock()
	d.orders[o.ID()] = o
	d.mu.Unlock()
	return nil
}

// Submit implements Driver.
func (d *MockDriver) Submit(ctx context.Context, info model.OrderInfo) (*order.PrimitiveOrder, error) {
	o := order.NewPrimitiveOrder(info)
	d.mu.Lock()
	d.orders[o.ID()] = o
	d.submitted = append(d.submitted, info)
	d.mu.Unlock()
	return o, nil
}

// Cancel implements Driver.
func (d *MockDriver) Cancel(ctx context.Context, s *session.Session, id model.OrderID) error {
	d.mu.Lock()
	d.canceled = append(d.canceled, id)
	d.mu.Unlock()
	return nil
}

// Update implements Driver.
func (d *MockDriver) Update(ctx context.Context, s *session.Session, id model.OrderID, report model.ExecutionReport) error {
	o := d.Order(id)
	if o == nil {
		return ErrOrderNotFound
	}
	return o.UpdateWith(nextReport(o, report))
}

// Close implements Driver.
func (d *MockDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Order returns a known order or nil.
func (d *MockDriver) Order(id model.OrderID) *order.PrimitiveOrder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orders[id]
}

// Submitted returns the infos of every submitted order.
func (d *MockDriver) Submitted() []model.OrderInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OrderInfo(nil), d.submitted...)
}

// SubmitCount returns the number of Submit calls.
func (d *MockDriver) SubmitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

// Canceled returns the ids passed to Cancel.
func (d *MockDriver) Canceled() []model.OrderID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OrderID(nil), d.canceled...)
}

// Recovered returns the ids of every recovered order.
func (d *MockDriver) Recovered() []model.OrderID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OrderID(nil), d.recovered...)
}

// IsClosed returns true once Close was called.
func (d *MockDriver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// SetStatus appends a report with status to an order.
func (d *MockDriver) SetStatus(id model.OrderID, status model.OrderStatus) error {
	return d.Update(context.Background(), nil, id, model.ExecutionReport{Status: status})
}

// Fill appends a fill of quantity at price to an order.
func (d *MockDriver) Fill(id model.OrderID, status model.OrderStatus, quantity, price decimal.Decimal) error {
	return d.Update(context.Background(), nil, id, model.ExecutionReport{
		Status:       status,
		LastQuantity: quantity,
		LastPrice:    price,
	})
}
