package compliance

import (
	"context"
	"fmt"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/clock"
	"github.com/Aidin1998/pincex_execution/internal/tasks"
	"github.com/Aidin1998/pincex_execution/internal/trading/driver"
	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/order"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/Aidin1998/pincex_execution/pkg/metrics"
	"go.uber.org/zap"
)

// CheckDriver is a driver.Driver running every submission and cancel through a RuleSet before
// passing it to an inner driver. Orders rejected by a rule never reach the inner driver. Reports
// of the inner driver are applied on one queue per account.
type CheckDriver struct {
	inner   driver.Driver
	ruleSet *RuleSet
	clock   clock.Clock
	logger  *zap.Logger

	mu     sync.RWMutex
	orders map[model.OrderID]*order.PrimitiveOrder
	queues map[model.DirectoryEntry]*tasks.Queue
	closed bool
}

// NewCheckDriver creates a CheckDriver.
func NewCheckDriver(inner driver.Driver, ruleSet *RuleSet, c clock.Clock, logger *zap.Logger) *CheckDriver {
	return &CheckDriver{
		inner:   inner,
		ruleSet: ruleSet,
		clock:   c,
		logger:  logger.Named("compliance_driver"),
		orders:  make(map[model.OrderID]*order.PrimitiveOrder),
		queues:  make(map[model.DirectoryEntry]*tasks.Queue),
	}
}

// queue returns the report queue of account, or nil after Close.
func (d *CheckDriver) queue(account model.DirectoryEntry) *tasks.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	q, ok := d.queues[account]
	if !ok {
		q = tasks.NewQueue(d.logger.With(zap.String("account", account.String())))
		d.queues[account] = q
	}
	return q
}

func (d *CheckDriver) allQueues() []*tasks.Queue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	queues := make([]*tasks.Queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	return queues
}

func (d *CheckDriver) store(o *order.PrimitiveOrder) {
	d.mu.Lock()
	d.orders[o.ID()] = o
	d.mu.Unlock()
}

func (d *CheckDriver) find(id model.OrderID) *order.PrimitiveOrder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orders[id]
}

// Recover implements driver.Driver.
func (d *CheckDriver) Recover(ctx context.Context, record model.SequencedAccountOrderRecord) (*order.PrimitiveOrder, error) {
	o, err := d.inner.Recover(ctx, record)
	if err != nil {
		return nil, err
	}
	d.store(o)
	if err := d.ruleSet.Add(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to add recovered order %d to compliance: %w", o.ID(), err)
	}
	return o, nil
}

// Add implements driver.Driver.
func (d *CheckDriver) Add(ctx context.Context, o *order.PrimitiveOrder) error {
	d.store(o)
	return d.inner.Add(ctx, o)
}

// Submit implements driver.Driver. A rejected submission returns an order whose last report is
// REJECTED with the violation as text.
func (d *CheckDriver) Submit(ctx context.Context, info model.OrderInfo) (*order.PrimitiveOrder, error) {
	o := order.NewPrimitiveOrder(info)
	d.store(o)
	if err := d.ruleSet.Submit(ctx, o); err != nil {
		d.reject(o, ReasonOf(err))
		return o, nil
	}
	submitted, err := d.inner.Submit(ctx, info)
	if err != nil {
		d.logger.Error("Failed to submit order to driver",
			zap.Uint64("order_id", uint64(info.ID)),
			zap.Error(err))
		d.reject(o, err.Error())
		return o, nil
	}
	q := d.queue(info.Fields.Account)
	submitted.MonitorFrom(0, func(report model.ExecutionReport) {
		if report.Status == model.OrderStatusPendingNew {
			return
		}
		if q == nil || !q.Push(func() { d.onExecutionReport(o, report) }) {
			d.logger.Warn("Execution report dropped after close",
				zap.Uint64("order_id", uint64(info.ID)),
				zap.String("status", string(report.Status)))
		}
	})
	return o, nil
}

func (d *CheckDriver) reject(o *order.PrimitiveOrder, reason string) {
	if err := order.Reject(o, d.clock.Now(), reason); err != nil {
		d.logger.Error("Failed to reject order",
			zap.Uint64("order_id", uint64(o.ID())),
			zap.Error(err))
	}
}

func (d *CheckDriver) onExecutionReport(o *order.PrimitiveOrder, report model.ExecutionReport) {
	err := o.UpdateWith(func(_ model.OrderStatus, last model.ExecutionReport) (model.ExecutionReport, bool) {
		report.ID = o.ID()
		report.Sequence = last.Sequence + 1
		return report, true
	})
	if err != nil {
		d.logger.Warn("Failed to apply execution report",
			zap.Uint64("order_id", uint64(o.ID())),
			zap.String("status", string(report.Status)),
			zap.Error(err))
	}
}

// Cancel implements driver.Driver. A rejected cancel is recorded on the order as
// PENDING_CANCEL followed by CANCEL_REJECT.
func (d *CheckDriver) Cancel(ctx context.Context, s *session.Session, id model.OrderID) error {
	o := d.find(id)
	if o == nil {
		return d.inner.Cancel(ctx, s, id)
	}
	if err := d.ruleSet.Cancel(ctx, s.Account(), o); err != nil {
		metrics.CancelRejects.Inc()
		if rejectErr := order.RejectCancelRequest(o, d.clock.Now(), ReasonOf(err)); rejectErr != nil {
			return fmt.Errorf("failed to reject cancel of order %d: %w", id, rejectErr)
		}
		return nil
	}
	return d.inner.Cancel(ctx, s, id)
}

// Update implements driver.Driver.
func (d *CheckDriver) Update(ctx context.Context, s *session.Session, id model.OrderID, report model.ExecutionReport) error {
	return d.inner.Update(ctx, s, id, report)
}

// Close closes the inner driver after pending reports are applied.
func (d *CheckDriver) Close() error {
	err := d.inner.Close()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	for _, q := range d.allQueues() {
		q.Close()
	}
	return err
}

// Flush waits until every report received from the inner driver so far is applied.
func (d *CheckDriver) Flush() {
	for _, q := range d.allQueues() {
		q.Flush()
	}
}
