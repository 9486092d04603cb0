package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/tasks"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"go.uber.org/zap"
)

// SimulationDriver acknowledges every order and honours every cancel. It stands in for a venue.
type SimulationDriver struct {
	clock  clock.Clock
	logger *zap.Logger
	tasks  *tasks.Queue

	mu     sync.Mutex
	orders map[model.OrderID]*order.PrimitiveOrder
}

// NewSimulationDriver creates a SimulationDriver.
func NewSimulationDriver(c clock.Clock, logger *zap.Logger) *SimulationDriver {
	logger = logger.Named("simulation_driver")
	return &SimulationDriver{
		clock:  c,
		logger: logger,
		tasks:  tasks.NewQueue(logger),
		orders: make(map[model.OrderID]*order.PrimitiveOrder),
	}
}

func (d *SimulationDriver) add(o *order.PrimitiveOrder) {
	d.mu.Lock()
	d.orders[o.ID()] = o
	d.mu.Unlock()
}

func (d *SimulationDriver) find(id model.OrderID) (*order.PrimitiveOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, nil
}

func (d *SimulationDriver) acknowledge(o *order.PrimitiveOrder) {
	d.tasks.Push(func() {
		err := o.UpdateWith(func(status model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
			if status != model.OrderStatusPendingNew {
				return model.ExecutionReport{}, false
			}
			return model.MakeUpdatedReport(last, model.OrderStatusNew, d.clock.Now()), true
		})
		if err != nil {
			d.logger.Warn("Failed to acknowledge order", zap.Uint64("order_id", uint64(o.ID())), zap.Error(err))
		}
	})
}

// Recover implements Driver.
func (d *SimulationDriver) Recover(ctx context.Context, record model.SequencedAccountOrderRecord) (*order.PrimitiveOrder, error) {
	o := order.NewPrimitiveOrderFromRecord(record.Value.Value)
	d.add(o)
	if o.Status() == model.OrderStatusPendingNew {
		d.acknowledge(o)
	}
	return o, nil
}

// Add implements Driver.
func (d *SimulationDriver) Add(ctx context.Context, o *order.PrimitiveOrder) error {
	d.add(o)
	return nil
}

// Submit implements Driver.
func (d *SimulationDriver) Submit(ctx context.Context, info model.OrderInfo) (*order.PrimitiveOrder, error) {
	o := order.NewPrimitiveOrder(info)
	d.add(o)
	d.acknowledge(o)
	return o, nil
}

// Cancel implements Driver.
func (d *SimulationDriver) Cancel(ctx context.Context, s *session.Session, id model.OrderID) error {
	o, err := d.find(id)
	if err != nil {
		return err
	}
	d.tasks.Push(func() {
		err := o.UpdateWith(func(status model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
			if !model.CanTransition(status, model.OrderStatusPendingCancel) {
				return model.ExecutionReport{}, false
			}
			return model.MakeUpdatedReport(last, model.OrderStatusPendingCancel, d.clock.Now()), true
		})
		if err == nil {
			err = o.UpdateWith(func(status model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
				if status != model.OrderStatusPendingCancel {
					return model.ExecutionReport{}, false
				}
				return model.MakeUpdatedReport(last, model.OrderStatusCanceled, d.clock.Now()), true
			})
		}
		if err != nil {
			d.logger.Warn("Failed to cancel order", zap.Uint64("order_id", uint64(id)), zap.Error(err))
		}
	})
	return nil
}

// Update implements Driver.
func (d *SimulationDriver) Update(ctx context.Context, s *session.Session, id model.OrderID, report model.ExecutionReport) error {
	o, err := d.find(id)
	if err != nil {
		return err
	}
	return o.UpdateWith(nextReport(o, report))
}

// Close implements Driver.
func (d *SimulationDriver) Close() error {
	d.tasks.Close()
	return nil
}
